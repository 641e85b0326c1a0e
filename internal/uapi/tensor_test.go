package uapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	in := TensorDataT{
		Dims:  3,
		Dtype: 0,
		Data:  0xdeadbeef,
	}
	in.Shape[0], in.Shape[1], in.Shape[2] = 1, 224, 224

	buf := Marshal(&in)
	var out TensorDataT
	require.NoError(t, Unmarshal(buf, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshal_ShortBufferFails(t *testing.T) {
	var out TensorDataT
	err := Unmarshal(make([]byte, 4), &out)
	assert.Error(t, err)
}

func TestShapeSlice_TrimsToDims(t *testing.T) {
	var td TensorDataT
	td.Dims = 2
	td.Shape[0], td.Shape[1], td.Shape[2] = 10, 20, 99
	assert.Equal(t, []uint32{10, 20}, td.ShapeSlice())
}

func TestFromShape_RejectsOverMaxDims(t *testing.T) {
	_, _, err := FromShape(make([]uint32, MaxShapeDims+1))
	assert.Error(t, err)
}

func TestFromShape_RoundTripsIntoShapeSlice(t *testing.T) {
	dims, arr, err := FromShape([]uint32{4, 3, 2})
	require.NoError(t, err)
	td := TensorDataT{Dims: dims, Shape: arr}
	assert.Equal(t, []uint32{4, 3, 2}, td.ShapeSlice())
}
