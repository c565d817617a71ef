package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// CryptoActions returns crypto.hash, crypto.uuid and base64.
func CryptoActions() []Action {
	return []Action{&hashAction{}, &uuidAction{}, &base64Action{}}
}

var hashes = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	"sha1":   sha1.New,
	"md5":    md5.New,
}

// hashAction computes a hex digest, or an HMAC when 'key' is set.
type hashAction struct{}

func (a *hashAction) Name() string { return "crypto.hash" }

func (a *hashAction) Schema() ActionSchema {
	return ActionSchema{Description: "Hex digest of 'data' (sha256 by default); HMAC when 'key' is given"}
}

func (a *hashAction) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string parameter")
	}
	if _, ok := hashes[stringParam(params, "algorithm", "sha256")]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "crypto.hash: unsupported algorithm %q", params["algorithm"])
	}
	return nil
}

func (a *hashAction) Execute(_ context.Context, in ActionInput) (any, error) {
	algorithm := stringParam(in.Params, "algorithm", "sha256")
	newHash, ok := hashes[algorithm]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "crypto.hash: unsupported algorithm %q", algorithm)
	}

	var h hash.Hash
	key, keyed := in.Params["key"].(string)
	if keyed {
		h = hmac.New(newHash, []byte(key))
	} else {
		h = newHash()
	}
	h.Write([]byte(stringParam(in.Params, "data", "")))
	return map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
		"hmac":      keyed,
	}, nil
}

type uuidAction struct{}

func (a *uuidAction) Name() string { return "crypto.uuid" }

func (a *uuidAction) Schema() ActionSchema {
	return ActionSchema{Description: "Generate a UUID (version 4, or 7 when version is 7)"}
}

func (a *uuidAction) Validate(params map[string]any) error {
	if v := intParam(params, "version", 4); v != 4 && v != 7 {
		return schema.NewErrorf(schema.ErrCodeValidation, "crypto.uuid: unsupported version %d", v)
	}
	return nil
}

func (a *uuidAction) Execute(_ context.Context, in ActionInput) (any, error) {
	if intParam(in.Params, "version", 4) == 7 {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "crypto.uuid: %s", err.Error()).WithCause(err)
		}
		return map[string]any{"uuid": id.String()}, nil
	}
	return map[string]any{"uuid": uuid.NewString()}, nil
}

type base64Action struct{}

func (a *base64Action) Name() string { return "base64" }

func (a *base64Action) Schema() ActionSchema {
	return ActionSchema{Description: "Encode or decode (decode: true) standard base64"}
}

func (a *base64Action) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "base64 requires 'data' string parameter")
	}
	return nil
}

func (a *base64Action) Execute(_ context.Context, in ActionInput) (any, error) {
	data := stringParam(in.Params, "data", "")
	if boolParam(in.Params, "decode", false) {
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "base64: %s", err.Error()).WithCause(err)
		}
		return map[string]any{"result": string(b)}, nil
	}
	return map[string]any{"result": base64.StdEncoding.EncodeToString([]byte(data))}, nil
}
