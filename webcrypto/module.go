package webcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	maininstance "github.com/joeycumines/goja-maininstance"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// module holds the per-runtime state backing the crypto global.
type module struct {
	rt    *goja.Runtime
	alloc maininstance.Allocator
	quota int
}

var hashes = map[string]func() hash.Hash{
	`sha256`:   sha256.New,
	`sha512`:   sha512.New,
	`sha3-256`: sha3.New256,
	`blake2b-256`: func() hash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			// only possible with an oversized key
			panic(err)
		}
		return h
	},
}

// integer typed arrays, accepted by getRandomValues
var integerArrays = map[string]struct{}{
	`Int8Array`:         {},
	`Uint8Array`:        {},
	`Uint8ClampedArray`: {},
	`Int16Array`:        {},
	`Uint16Array`:       {},
	`Int32Array`:        {},
	`Uint32Array`:       {},
	`BigInt64Array`:     {},
	`BigUint64Array`:    {},
}

func (m *module) getRandomValues(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	obj, ok := arg.(*goja.Object)
	if !ok || !m.isIntegerArray(obj) {
		panic(m.rt.NewTypeError(`getRandomValues requires an integer TypedArray`))
	}
	b, ok := m.view(obj)
	if !ok {
		panic(m.rt.NewTypeError(`getRandomValues requires an integer TypedArray`))
	}
	if len(b) > m.quota {
		panic(m.quotaExceeded(len(b)))
	}
	if _, err := rand.Read(b); err != nil {
		panic(m.rt.NewGoError(err))
	}
	return arg
}

func (m *module) randomUUID(goja.FunctionCall) goja.Value {
	id, err := uuid.NewRandom()
	if err != nil {
		panic(m.rt.NewGoError(err))
	}
	return m.rt.ToValue(id.String())
}

func (m *module) randomBytes(call goja.FunctionCall) goja.Value {
	n := call.Argument(0).ToInteger()
	if n < 0 {
		panic(m.rt.NewTypeError(`randomBytes size must not be negative`))
	}
	if n > int64(m.quota) {
		panic(m.quotaExceeded(int(n)))
	}
	var (
		b   []byte
		err error
	)
	if m.alloc != nil {
		b, err = m.alloc.Allocate(int(n))
	} else {
		b = make([]byte, n)
	}
	if err != nil {
		panic(m.rangeError(err))
	}
	if _, err := rand.Read(b); err != nil {
		panic(m.rt.NewGoError(err))
	}
	return m.rt.ToValue(m.rt.NewArrayBuffer(b))
}

// hash(algorithm, data[, encoding]) returns the digest of data, as an
// ArrayBuffer, or a hex or base64 string.
func (m *module) hash(call goja.FunctionCall) goja.Value {
	alg := strings.ToLower(call.Argument(0).String())
	newHash, ok := hashes[alg]
	if !ok {
		panic(m.rt.NewTypeError(fmt.Sprintf(`unsupported hash algorithm: %s`, alg)))
	}

	data, ok := m.bytes(call.Argument(1))
	if !ok {
		panic(m.rt.NewTypeError(`hash data must be a string, ArrayBuffer or TypedArray`))
	}

	h := newHash()
	_, _ = h.Write(data)
	sum := h.Sum(nil)

	switch enc := call.Argument(2); {
	case goja.IsUndefined(enc):
		return m.rt.ToValue(m.rt.NewArrayBuffer(sum))
	case enc.String() == `hex`:
		return m.rt.ToValue(hex.EncodeToString(sum))
	case enc.String() == `base64`:
		return m.rt.ToValue(base64.StdEncoding.EncodeToString(sum))
	default:
		panic(m.rt.NewTypeError(fmt.Sprintf(`unsupported encoding: %s`, enc.String())))
	}
}

func (m *module) isIntegerArray(obj *goja.Object) bool {
	ctor, ok := obj.Get(`constructor`).(*goja.Object)
	if !ok {
		return false
	}
	name := ctor.Get(`name`)
	if name == nil {
		return false
	}
	_, ok = integerArrays[name.String()]
	return ok
}

// view returns the bytes backing a TypedArray or DataView, sharing memory.
func (m *module) view(obj *goja.Object) ([]byte, bool) {
	buf := obj.Get(`buffer`)
	if buf == nil {
		return nil, false
	}
	ab, ok := buf.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}
	off := obj.Get(`byteOffset`).ToInteger()
	n := obj.Get(`byteLength`).ToInteger()
	b := ab.Bytes()
	if off < 0 || n < 0 || off+n > int64(len(b)) {
		return nil, false
	}
	return b[off : off+n], true
}

func (m *module) bytes(v goja.Value) ([]byte, bool) {
	if obj, ok := v.(*goja.Object); ok {
		if ab, ok := obj.Export().(goja.ArrayBuffer); ok {
			return ab.Bytes(), true
		}
		return m.view(obj)
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	return []byte(v.String()), true
}

func (m *module) quotaExceeded(n int) *goja.Object {
	e := m.rt.NewGoError(fmt.Errorf(`requested %d bytes, exceeding the quota of %d`, n, m.quota))
	_ = e.Set(`name`, `QuotaExceededError`)
	return e
}

func (m *module) rangeError(err error) goja.Value {
	if ctor, ok := goja.AssertConstructor(m.rt.Get(`RangeError`)); ok {
		if e, cerr := ctor(nil, m.rt.ToValue(err.Error())); cerr == nil {
			return e
		}
	}
	return m.rt.NewGoError(errors.Join(errors.New(`RangeError`), err))
}
