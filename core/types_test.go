package core

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"
)

// TestBaseMetaRetrySerialization tests that first attempts carry no
// retry fields on the wire, and retries are 1-indexed
func TestBaseMetaRetrySerialization(t *testing.T) {
	first := BaseMeta{
		OperationID: "0123456789abcdef",
		Operation:   OpMap,
		SwarmName:   "demo",
		Role:        RoleWorker,
		ItemIndex:   IntPtr(0),
	}
	out, err := json.Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	for _, absent := range []string{"errorRetry", "verifyRetry", "candidateIndex", "pipelineRunId"} {
		if strings.Contains(string(out), absent) {
			t.Errorf("first attempt serialized %q: %s", absent, out)
		}
	}
	if !strings.Contains(string(out), `"itemIndex":0`) {
		t.Errorf("itemIndex 0 must serialize: %s", out)
	}

	retried := first
	retried.ErrorRetry = 1
	retried.VerifyRetry = 2
	out, err = json.Marshal(retried)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"errorRetry":1`) || !strings.Contains(string(out), `"verifyRetry":2`) {
		t.Errorf("retry fields missing: %s", out)
	}
}

// TestRandomHex tests length and charset
func TestRandomHex(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]+$`)
	for _, n := range []int{3, 8, 12} {
		id := RandomHex(n)
		if len(id) != 2*n {
			t.Errorf("RandomHex(%d) length %d", n, len(id))
		}
		if !pattern.MatchString(id) {
			t.Errorf("RandomHex(%d) = %q", n, id)
		}
	}
	if RandomHex(8) == RandomHex(8) {
		t.Error("ids must differ")
	}
}

// TestFileMapWithPrefix tests reduce-style rooting
func TestFileMapWithPrefix(t *testing.T) {
	fm := TextFiles(map[string]string{"a.txt": "1", "dir/b.txt": "2"})
	rooted := fm.WithPrefix("inputs/3/")
	if string(rooted["inputs/3/a.txt"]) != "1" || string(rooted["inputs/3/dir/b.txt"]) != "2" {
		t.Errorf("rooted paths %v", rooted.Paths())
	}
}

// TestFileMapPaths tests deterministic ordering
func TestFileMapPaths(t *testing.T) {
	fm := TextFiles(map[string]string{"z.txt": "", "a.txt": "", "m/x.txt": ""})
	paths := fm.Paths()
	if paths[0] != "a.txt" || paths[2] != "z.txt" {
		t.Errorf("paths %v", paths)
	}
}
