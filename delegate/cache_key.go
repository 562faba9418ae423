package delegate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cyberinferno/imgdelegate/imagebuf"
	"github.com/cyberinferno/imgdelegate/operation"
)

const resultKeyPrefix = "result:"

// resultKey identifies a result by everything that determines it: the
// operation, its normalized parameters and the input pixels.
func resultKey(op operation.Operation, params operation.Params, img *imagebuf.ImageBuffer) (string, error) {
	// json.Marshal sorts map keys, so equal params hash equally
	p, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	payload, err := imagebuf.Encode(img)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write(p)
	h.Write([]byte{0})
	h.Write(payload)

	return resultKeyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
