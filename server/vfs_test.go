package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVFSFoldersAndFiles(t *testing.T) {
	env := newTestEnv(t)
	base := env.ts.URL + "/vfs/arena"

	resp := postJSON(t, base+"/folders", map[string]any{"name": "prompts"})
	folder := decodeMap(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	folderID := folder["id"].(string)
	assert.Equal(t, "arena", folder["app_id"])
	assert.Equal(t, float64(0), folder["depth"])

	resp = postJSON(t, base+"/files", map[string]any{
		"name":      "system.txt",
		"folder_id": folderID,
		"content":   "You are an arena judge.",
	})
	file := decodeMap(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	fileID := file["id"].(string)
	assert.Equal(t, float64(1), file["version"])

	// Names are unique within a folder.
	resp = postJSON(t, base+"/files", map[string]any{
		"name":      "system.txt",
		"folder_id": folderID,
		"content":   "duplicate",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, base+"/files/"+fileID+"/content",
		map[string]any{"content": "You are a strict arena judge."})
	updated := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), updated["version"])

	resp, err := http.Get(base + "/files/" + fileID + "/versions")
	require.NoError(t, err)
	versions := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, versions["versions"], 1)

	resp = postJSON(t, base+"/files/"+fileID+"/versions/1/restore", nil)
	restored := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), restored["version"])
	assert.Equal(t, "You are an arena judge.", restored["content"])

	// Other apps cannot see this tree.
	resp, err = http.Get(env.ts.URL + "/vfs/other/files/" + fileID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, base+"/files/"+fileID+"/move", map[string]any{"new_folder_id": ""})
	moved := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, moved["folder_id"])

	resp = doJSON(t, http.MethodDelete, base+"/files/"+fileID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(base + "/files/" + fileID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVFSFolderMoveRules(t *testing.T) {
	env := newTestEnv(t)
	base := env.ts.URL + "/vfs/arena"

	resp := postJSON(t, base+"/folders", map[string]any{"name": "top"})
	top := decodeMap(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	topID := top["id"].(string)

	resp = postJSON(t, base+"/folders", map[string]any{"name": "inner", "parent_id": topID})
	inner := decodeMap(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	innerID := inner["id"].(string)

	// A folder cannot move into its own subtree.
	resp = postJSON(t, base+"/folders/"+topID+"/move", map[string]any{"new_parent_id": innerID})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, base+"/folders/"+innerID+"/move", map[string]any{"new_parent_id": ""})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err := http.Get(base + "/folders?parent_id=")
	require.NoError(t, err)
	listed := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, listed["folders"], 2)

	resp = doJSON(t, http.MethodPatch, base+"/folders/"+innerID, map[string]any{"name": ""})
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.NotEmpty(t, body["detail"])
}
