package rtdb

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	a := NewId()
	for i := 0; i < 4096; i += 1 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		assert.Equal(t, b == a, false)
		assert.Equal(t, b == b, true)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)
}

func TestIdStringRoundTrip(t *testing.T) {
	a := NewId()
	s := a.String()
	b, err := parseId(s)
	assert.Equal(t, err, nil)
	assert.Equal(t, a, Id(b))
}

func TestValidateIdentifier(t *testing.T) {
	assert.Equal(t, validateIdentifier("users"), nil)
	assert.Equal(t, validateIdentifier("user_profiles-2"), nil)
	assert.NotEqual(t, validateIdentifier(""), nil)
	assert.NotEqual(t, validateIdentifier("bad.path"), nil)
	assert.NotEqual(t, validateIdentifier("bad path"), nil)
}

func TestValidateKeyPath(t *testing.T) {
	assert.Equal(t, validateKeyPath("$id"), nil)
	assert.Equal(t, validateKeyPath("$created"), nil)
	assert.Equal(t, validateKeyPath("profile.name"), nil)
	assert.NotEqual(t, validateKeyPath("profile..name"), nil)
	assert.NotEqual(t, validateKeyPath("$unknown"), nil)
}

func TestValidateDocumentBody(t *testing.T) {
	assert.Equal(t, validateDocumentBody(map[string]any{"name": "a"}), nil)
	assert.NotEqual(t, validateDocumentBody(map[string]any{"bad.key": "a"}), nil)
	assert.NotEqual(t, validateDocumentBody(map[string]any{
		"nested": map[string]any{"bad.key": 1},
	}), nil)
}
