package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWorkflow(id string, version int) *Workflow {
	return &Workflow{
		ID: id, Version: version,
		Nodes: []Node{{ID: "A"}},
	}
}

func TestRegistryPutRejectsInvalidWorkflow(t *testing.T) {
	r := NewRegistry()
	err := r.Put(&Workflow{ID: "bad"})
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestRegistryGetLatestVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Put(sampleWorkflow("wf", 1)))
	require.NoError(t, r.Put(sampleWorkflow("wf", 2)))

	w, err := r.Get("wf", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Version)
}

func TestRegistryGetSpecificVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Put(sampleWorkflow("wf", 1)))
	require.NoError(t, r.Put(sampleWorkflow("wf", 2)))

	w, err := r.Get("wf", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Version)
}

func TestRegistryGetUnknownWorkflow(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing", 0)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestRegistryGetUnknownVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Put(sampleWorkflow("wf", 1)))
	_, err := r.Get("wf", 5)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestRegistryLoadDirMissingDirErrors(t *testing.T) {
	r := NewRegistry()
	err := r.LoadDir("/nonexistent/path/for/workflows")
	assert.Error(t, err)
}
