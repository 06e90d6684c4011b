package bencode

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var marshalTests = []struct {
	input    interface{}
	expected string
}{
	{int(42), "i42e"},
	{int(-42), "i-42e"},
	{uint(43), "i43e"},
	{int64(44), "i44e"},
	{uint64(45), "i45e"},
	{int16(44), "i44e"},
	{uint16(45), "i45e"},

	{"example", "7:example"},
	{[]byte("example"), "7:example"},
	{30 * time.Minute, "i1800e"},

	{[]string{"one", "two"}, "l3:one3:twoe"},
	{[]interface{}{"one", "two"}, "l3:one3:twoe"},
	{[]string{}, "le"},

	// Dictionary keys are emitted in sorted order.
	{map[string]interface{}{"two": "bb", "one": "aa"}, "d3:one2:aa3:two2:bbe"},
	{map[string]interface{}{}, "de"},
	{[]Dict{{"a": 1}, {"b": 2}}, "ld1:ai1eed1:bi2eee"},
}

func TestMarshal(t *testing.T) {
	for _, test := range marshalTests {
		got, err := Marshal(test.input)
		assert.Nil(t, err, "marshal should not fail")
		assert.Equal(t, test.expected, string(got))
	}
}

func TestMarshalUnsupportedType(t *testing.T) {
	_, err := Marshal(struct{}{})
	assert.NotNil(t, err)
}

func BenchmarkMarshalScalar(b *testing.B) {
	buf := &bytes.Buffer{}
	encoder := NewEncoder(buf)

	for i := 0; i < b.N; i++ {
		encoder.Encode("test")
		encoder.Encode(123)
	}
}
