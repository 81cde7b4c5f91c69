package lvflat_test

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.arsenm.dev/lvrpc/lvflat"
)

type person struct {
	Name     string
	Number   int32
	LastName string
	internal int
	Skipped  string `lv:"-"`
}

func TestStructCluster(t *testing.T) {
	data, err := lvflat.Marshal(person{Name: "Joseph", Number: 2000, LastName: "LaCroix", Skipped: "x"})
	require.NoError(t, err)
	assert.Equal(t, "000000064a6f73657068000007d0000000074c6143726f6978", hex.EncodeToString(data))

	var p person
	require.NoError(t, lvflat.Unmarshal(data, &p))
	assert.Equal(t, person{Name: "Joseph", Number: 2000, LastName: "LaCroix"}, p)
}

func TestDynamicCluster(t *testing.T) {
	c := lvflat.Cluster{
		{Name: "name", Value: "James"},
		{Name: "number", Value: int32(7)},
		{Name: "lastname", Value: "Bond"},
	}

	data, err := lvflat.Marshal(c)
	require.NoError(t, err)
	assert.Equal(t, "000000054a616d65730000000700000004426f6e64", hex.EncodeToString(data))

	template := lvflat.Cluster{
		{Name: "name", Value: ""},
		{Name: "number", Value: int32(0)},
		{Name: "lastname", Value: ""},
	}
	got, err := lvflat.Default.Decode(data, template)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.Equal(t, "", template[0].Value)

	// A pointer to a cluster is its own template
	target := template
	require.NoError(t, lvflat.Unmarshal(data, &target))
	assert.Equal(t, c, target)
}

func TestNestedCluster(t *testing.T) {
	c := lvflat.Cluster{
		{Name: "outer", Value: true},
		{Name: "inner", Value: lvflat.Cluster{
			{Name: "a", Value: uint16(0xBEEF)},
			{Name: "b", Value: []float64{1.5, -2}},
		}},
	}

	data, err := lvflat.Marshal(c)
	require.NoError(t, err)
	assert.Len(t, data, 1+2+4+8+8)

	got, err := lvflat.Default.Decode(data, lvflat.Cluster{
		{Name: "outer", Value: false},
		{Name: "inner", Value: lvflat.Cluster{
			{Name: "a", Value: uint16(0)},
			{Name: "b", Value: []float64(nil)},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, c, got)

	assert.Equal(t, map[string]any{
		"outer": true,
		"inner": map[string]any{"a": uint16(0xBEEF), "b": []float64{1.5, -2}},
	}, got.Map())
}

func TestNumbersAndOrder(t *testing.T) {
	type numbers struct {
		I8  int8
		I16 int16
		I   int
		I64 int64
		U   uint
		F32 float32
	}
	in := numbers{I8: -1, I16: -2, I: -3, I64: -4, U: 5, F32: 0.5}

	be, err := lvflat.Marshal(in)
	require.NoError(t, err)
	assert.Len(t, be, 1+2+4+8+4+4)
	assert.Equal(t, []byte{0xff, 0xff, 0xfe}, be[:3])

	le := lvflat.Options{Order: binary.LittleEndian}
	data, err := le.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xfe, 0xff}, data[:3])

	var out numbers
	require.NoError(t, le.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestArrays(t *testing.T) {
	data, err := lvflat.Marshal([3]int32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "00000003000000010000000200000003", hex.EncodeToString(data))

	var arr [3]int32
	require.NoError(t, lvflat.Unmarshal(data, &arr))
	assert.Equal(t, [3]int32{1, 2, 3}, arr)

	var short [2]int32
	assert.ErrorIs(t, lvflat.Unmarshal(data, &short), lvflat.ErrArrayLength)

	var s []int32
	require.NoError(t, lvflat.Unmarshal(data, &s))
	assert.Equal(t, []int32{1, 2, 3}, s)

	var b []byte
	require.NoError(t, lvflat.Unmarshal([]byte{0, 0, 0, 2, 'o', 'k'}, &b))
	assert.Equal(t, []byte("ok"), b)
}

func TestDynamicArrays(t *testing.T) {
	tmpl := lvflat.Cluster{
		{Name: "Values", Value: []any{0.0}},
		{Name: "Points", Value: []any{map[string]any{"X": int32(0)}}},
	}

	data, err := lvflat.Marshal(lvflat.Cluster{
		{Name: "Values", Value: []any{1.0, 2.0}},
		{Name: "Points", Value: []lvflat.Cluster{{{Name: "X", Value: int32(3)}}}},
	})
	require.NoError(t, err)

	out, err := lvflat.Default.Decode(data, tmpl)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"Values": []any{1.0, 2.0},
		"Points": []any{map[string]any{"X": int32(3)}},
	}, out.Map())

	_, err = lvflat.Default.Decode(data, lvflat.Cluster{{Name: "Values", Value: []any{}}})
	assert.ErrorIs(t, err, lvflat.ErrNoElemTemplate)

	empty, err := lvflat.Marshal(lvflat.Cluster{{Name: "Values", Value: []any{}}})
	require.NoError(t, err)
	out, err = lvflat.Default.Decode(empty, lvflat.Cluster{{Name: "Values", Value: []any{}}})
	require.NoError(t, err)
	assert.Equal(t, []any{}, out.Map()["Values"])
}

func TestTimestamp(t *testing.T) {
	epoch := time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)
	data, err := lvflat.Marshal(epoch)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), data)

	half := time.Date(2024, 5, 1, 12, 0, 0, int(500*time.Millisecond), time.UTC)
	data, err = lvflat.Marshal(half)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<63, binary.BigEndian.Uint64(data[8:]))

	var got time.Time
	require.NoError(t, lvflat.Unmarshal(data, &got))
	assert.WithinDuration(t, half, got, time.Microsecond)
}

func TestMapsSortKeys(t *testing.T) {
	data, err := lvflat.Marshal(map[string]any{"b": int32(2), "a": int32(1)})
	require.NoError(t, err)
	assert.Equal(t, "0000000100000002", hex.EncodeToString(data))

	c := lvflat.ClusterFromMap(map[string]any{"z": "last", "m": map[string]any{"y": true, "x": false}})
	assert.Equal(t, []string{"m", "z"}, c.Names())
	inner, ok := c.Get("m")
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, inner.(lvflat.Cluster).Names())
}

func TestClusterEdits(t *testing.T) {
	c := lvflat.Cluster{{Name: "a", Value: 1}}
	c = c.Set("b", 2)
	c = c.Set("a", 3)
	assert.Equal(t, lvflat.Cluster{{Name: "a", Value: 3}, {Name: "b", Value: 2}}, c)

	c = c.Delete("a")
	assert.Equal(t, []string{"b"}, c.Names())

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestErrors(t *testing.T) {
	var s string
	assert.ErrorIs(t, lvflat.Unmarshal([]byte{0, 0, 0, 9, 'x'}, &s), lvflat.ErrShortBuffer)
	assert.ErrorIs(t, lvflat.Unmarshal([]byte{0xff, 0xff, 0xff, 0xff}, &s), lvflat.ErrNegativeCount)
	assert.ErrorIs(t, lvflat.Unmarshal(nil, s), lvflat.ErrNotPointer)

	_, err := lvflat.Marshal(make(chan int))
	var ute *lvflat.UnsupportedTypeError
	assert.ErrorAs(t, err, &ute)

	_, err = lvflat.Marshal(lvflat.Cluster{{Name: "nil", Value: nil}})
	assert.ErrorIs(t, err, lvflat.ErrNilPointer)

	rest, err := lvflat.Default.UnmarshalRest([]byte{0, 0, 0, 1, 'a', 'b', 'c'}, &s)
	require.NoError(t, err)
	assert.Equal(t, "a", s)
	assert.Equal(t, []byte("bc"), rest)
}

func TestClusterOf(t *testing.T) {
	type msg struct {
		Text    string `lv:"Message"`
		Count   int32
		Ignored bool `lv:"-"`
	}

	c, err := lvflat.ClusterOf(&msg{Text: "hi", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, lvflat.Cluster{{Name: "Message", Value: "hi"}, {Name: "Count", Value: int32(2)}}, c)

	c, err = lvflat.ClusterOf(nil)
	require.NoError(t, err)
	assert.Empty(t, c)

	_, err = lvflat.ClusterOf([]any{1, 2})
	var ute *lvflat.UnsupportedTypeError
	assert.ErrorAs(t, err, &ute)
}
