// Command fs123p7 is an illustrative fs123 client: it builds one
// protocol request, issues it over HTTP, and prints the decoded
// reply. It has no on-disk cache and no FUSE adapter (spec.md §1
// Non-goals: both are out of scope); it exists to exercise the wire
// protocol and content codec end to end from the command line, the
// way fs123p7.cpp's standalone debugging mode does in the original.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DEShawResearch/fs123-sub001/internal/codec"
	"github.com/DEShawResearch/fs123-sub001/internal/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		baseURL  string
		function string
		path     string
		query    string
		minor    int
		encrypt  bool
		sid      string
		keyHex   string
	)
	cmd := &cobra.Command{
		Use:   "fs123p7",
		Short: "Issue a single fs123 request and print the decoded reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.Request{
				Major:            protocol.CurrentMajor,
				Minor:            minor,
				Function:         protocol.Function(function[0]),
				Path:             strings.TrimPrefix(path, "/"),
				Query:            query,
				AcceptsSecretbox: encrypt,
			}
			return runRequest(cmd.Context(), baseURL, req, encrypt, sid, keyHex)
		},
	}
	f := cmd.Flags()
	f.StringVar(&baseURL, "url", "http://127.0.0.1:8080", "origin or peer base URL")
	f.StringVar(&function, "function", "a", "single-letter fs123 function (a,d,f,l,s,x,n)")
	f.StringVar(&path, "path", "", "path relative to the export root")
	f.StringVar(&query, "query", "", "raw query string, e.g. '128;0' for a file chunk")
	f.IntVar(&minor, "minor", protocol.Minor1, "protocol minor version")
	f.BoolVar(&encrypt, "encrypt", false, "wrap the request in an encrypted envelope and request an encrypted reply")
	f.StringVar(&sid, "sid", "", "secret id to use for the envelope (required with --encrypt)")
	f.StringVar(&keyHex, "key-hex", "", "hex-encoded secret bytes (required with --encrypt)")
	return cmd
}

func runRequest(ctx context.Context, baseURL string, req *protocol.Request, encrypt bool, sid, keyHex string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tail := req.URL()
	if encrypt {
		if sid == "" || keyHex == "" {
			return fmt.Errorf("fs123p7: --encrypt requires --sid and --key-hex")
		}
		secretBytes, err := decodeHex(keyHex)
		if err != nil {
			return fmt.Errorf("fs123p7: decoding --key-hex: %w", err)
		}
		inner := req.EnvelopeInner()
		frame, err := codec.Encode(codec.Authenticated, sid, secretBytes, []byte(inner), codec.DefaultPadAlign, true)
		if err != nil {
			return fmt.Errorf("fs123p7: encoding envelope: %w", err)
		}
		envReq := &protocol.Request{Major: req.Major, Minor: req.Minor, Function: protocol.FuncEnvelope, Path: protocol.EncodeEnvelopeB64(frame)}
		tail = envReq.URL()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+tail, nil)
	if err != nil {
		return err
	}
	if req.AcceptsSecretbox {
		httpReq.Header.Set("Accept-Encoding", "fs123-secretbox")
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("fs123p7: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if encrypt && resp.Header.Get("Content-Encoding") == "fs123-secretbox" {
		secretBytes, err := decodeHex(keyHex)
		if err != nil {
			return err
		}
		body, err = codec.Decode(codec.Authenticated, body, codec.NewSecretStoreFunc(func(string) ([]byte, error) { return secretBytes, nil }))
		if err != nil {
			return fmt.Errorf("fs123p7: decoding reply: %w", err)
		}
	}

	fmt.Printf("status: %d\n", resp.StatusCode)
	fmt.Printf("fs123-errno: %s\n", resp.Header.Get("fs123-errno"))
	if etag := resp.Header.Get("ETag"); etag != "" {
		fmt.Printf("etag: %s\n", etag)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "" {
		fmt.Printf("cache-control: %s\n", cc)
	}
	os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
