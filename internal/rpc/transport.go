package rpc

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// compressionThreshold is the uncompressed response size above which
// response compression is negotiated from Accept-Encoding, per §4.F.
const compressionThreshold = 10000

// decodeBody reads r's body, undoing any Content-Encoding, and decodes it
// as either JSON or msgpack depending on Content-Type.
func decodeBody(r *http.Request) (json.RawMessage, error) {
	body, err := readDecompressed(r.Body, r.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}

	if strings.Contains(r.Header.Get("Content-Type"), "msgpack") {
		var generic any
		if err := msgpack.Unmarshal(body, &generic); err != nil {
			return nil, err
		}
		return json.Marshal(generic)
	}
	return json.RawMessage(body), nil
}

func readDecompressed(r io.Reader, encoding string) ([]byte, error) {
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		return io.ReadAll(gz)
	case "deflate":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "lz4":
		return io.ReadAll(lz4.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

// writeResponse encodes v (JSON or msgpack, mirroring the request's
// Content-Type) and compresses it per Accept-Encoding when it exceeds
// compressionThreshold bytes.
func writeResponse(w http.ResponseWriter, r *http.Request, v any) {
	wantMsgpack := strings.Contains(r.Header.Get("Content-Type"), "msgpack")

	var encoded []byte
	var err error
	if wantMsgpack {
		encoded, err = msgpack.Marshal(v)
		w.Header().Set("Content-Type", "application/msgpack")
	} else {
		encoded, err = json.Marshal(v)
		w.Header().Set("Content-Type", "application/json")
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if len(encoded) > compressionThreshold {
		if enc, compressed, ok := compressForClient(r.Header.Get("Accept-Encoding"), encoded); ok {
			w.Header().Set("Content-Encoding", enc)
			encoded = compressed
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

func compressForClient(acceptEncoding string, data []byte) (string, []byte, bool) {
	switch {
	case strings.Contains(acceptEncoding, "lz4"):
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return "", nil, false
		}
		if err := zw.Close(); err != nil {
			return "", nil, false
		}
		return "lz4", buf.Bytes(), true
	case strings.Contains(acceptEncoding, "gzip"):
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return "", nil, false
		}
		if err := gz.Close(); err != nil {
			return "", nil, false
		}
		return "gzip", buf.Bytes(), true
	case strings.Contains(acceptEncoding, "deflate"):
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return "", nil, false
		}
		if err := zw.Close(); err != nil {
			return "", nil, false
		}
		return "deflate", buf.Bytes(), true
	default:
		return "", nil, false
	}
}
