package secrets

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Value wraps plaintext secret material. Every printing path (fmt verbs,
// JSON, zap) renders a placeholder; only Reveal and Bytes expose the content.
type Value struct {
	b []byte
}

func NewValue(s string) Value { return Value{b: []byte(s)} }

func ValueFromBytes(b []byte) Value {
	c := make([]byte, len(b))
	copy(c, b)
	return Value{b: c}
}

func (v Value) Reveal() string { return string(v.b) }

func (v Value) Bytes() []byte { return v.b }

func (v Value) IsZero() bool { return len(v.b) == 0 }

func (v Value) String() string { return redacted }

func (v Value) GoString() string { return "secrets.Value{" + redacted + "}" }

// Format covers %v, %+v, %s, %q, %x and the rest.
func (v Value) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(redacted))
}

func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (v Value) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

func (v Value) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("value", redacted)
	return nil
}

// Wipe zeroes the underlying buffer.
func (v *Value) Wipe() {
	for i := range v.b {
		v.b[i] = 0
	}
	v.b = nil
}
