package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionClassifiesByZ(t *testing.T) {
	flat := Annotation{ID: 1, Text: "T", X: 0.5, Y: 0.5}
	spatial := Annotation{ID: 2, Text: "T", X: 0.5, Y: 0.5, Z: Float(1.0)}
	onPlane := Annotation{ID: 3, Text: "zero", X: 1, Y: 1, Z: Float(0)}

	assert.False(t, flat.Is3D())
	assert.True(t, spatial.Is3D())
	assert.True(t, onPlane.Is3D(), "z=0 is still a 3D annotation")

	f, s := Partition([]Annotation{spatial, flat, onPlane})
	require.Len(t, f, 1)
	require.Len(t, s, 2)
	assert.Equal(t, int64(1), f[0].ID)
	assert.Equal(t, []int64{2, 3}, []int64{s[0].ID, s[1].ID})

	// and the reverse direction: nothing is lost or duplicated
	f2, s2 := Partition(append(f, s...))
	assert.Len(t, f2, 1)
	assert.Len(t, s2, 2)
}

func TestAnnotationJSONKeepsNullZ(t *testing.T) {
	raw, err := json.Marshal(Annotation{ID: 7, Text: "Crater", X: 10, Y: 0})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"z":null`)
	assert.NotContains(t, string(raw), "client_ref")

	var back Annotation
	require.NoError(t, json.Unmarshal([]byte(`{"id":8,"x":10,"y":0,"z":0}`), &back))
	require.NotNil(t, back.Z)
	assert.True(t, back.Is3D())
}

func TestEncodeWrapsBody(t *testing.T) {
	raw, err := Encode(EventAnnotationRemoved, AnnotationRef{AnnotationID: 4})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "annotation-removed", env.Event)

	var ref AnnotationRef
	require.NoError(t, env.Decode(&ref))
	assert.Equal(t, int64(4), ref.AnnotationID)
	assert.Equal(t, "add-overlay-ack", AckEvent(EventAddOverlay))
	assert.Equal(t, "add-overlay-error", ErrorEvent(EventAddOverlay))
}

func TestNearestAnnotations(t *testing.T) {
	list := []Annotation{
		{ID: 1, Text: "far", X: 100, Y: 0, Z: Float(0)},
		{ID: 2, Text: "flat", X: 0.1, Y: 0.1},
		{ID: 3, Text: "near", X: 3, Y: 0, Z: Float(4)},
	}
	ranked := NearestAnnotations(list, Vec3{})
	require.Len(t, ranked, 2)
	assert.Equal(t, int64(3), ranked[0].ID)
	assert.InDelta(t, 5.0, ranked[0].Distance, 1e-9)
	assert.Equal(t, int64(1), ranked[1].ID)

	assert.Equal(t, Vec3{X: 3, Y: 5, Z: 4}, ranked[0].TeleportTarget())
}
