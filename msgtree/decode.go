package msgtree

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
)

// ErrDecode is returned when the body of a part cannot be decoded according to
// its content-transfer-encoding.
var ErrDecode = errors.New("invalid content-transfer-encoding")

// DecodeBody returns the body decoded according to the content-transfer-encoding.
// For identity encodings (empty, 7bit, 8bit, binary) the original slice is
// returned. An unknown encoding or invalid encoded data results in ErrDecode.
func DecodeBody(cte string, body []byte) ([]byte, error) {
	switch strings.ToUpper(cte) {
	case "", "7BIT", "8BIT", "BINARY":
		return body, nil
	}

	// The content-type is deliberately opaque, we only want the transfer encoding
	// removed, not a charset conversion.
	var h message.Header
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Transfer-Encoding", cte)
	e, err := message.New(h, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	buf, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return buf, nil
}
