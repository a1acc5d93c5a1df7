package diffnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const diffA = `diff --git a/foo.go b/foo.go
index 1111111..2222222 100644
--- a/foo.go
+++ b/foo.go
@@ -1,3 +1,3 @@
 package foo
-func Old() {}
+func New() {}
diff --git a/bar.go b/bar.go
index 3333333..4444444 100644
--- a/bar.go
+++ b/bar.go
@@ -1,1 +1,1 @@
-package bar
+package bar2
`

// diffB is diffA with its two files reordered and index lines changed —
// neither should affect the hash (spec.md §8 property 1).
const diffB = `diff --git a/bar.go b/bar.go
index 9999999..8888888 100644
--- a/bar.go
+++ b/bar.go
@@ -1,1 +1,1 @@
-package bar
+package bar2
diff --git a/foo.go b/foo.go
index aaaaaaa..bbbbbbb 100644
--- a/foo.go
+++ b/foo.go
@@ -1,3 +1,3 @@
 package foo
-func Old() {}
+func New() {}
`

func TestHash_StableUnderFileReorderAndIndexChange(t *testing.T) {
	assert.Equal(t, Hash(diffA), Hash(diffB))
}

func TestHash_ChangesWithContentChange(t *testing.T) {
	changed := `diff --git a/foo.go b/foo.go
index 1111111..2222222 100644
--- a/foo.go
+++ b/foo.go
@@ -1,3 +1,3 @@
 package foo
-func Old() {}
+func Different() {}
`
	assert.NotEqual(t, Hash(diffA), Hash(changed))
}

func TestHash_Length(t *testing.T) {
	assert.Len(t, Hash(diffA), 64)
}

func TestNormalise_EmptyInput(t *testing.T) {
	assert.Equal(t, "", Normalise(""))
}

func TestDestinationPath_FallsBackToPlusPlusPlusLine(t *testing.T) {
	malformed := `diff --git malformed header lacking the usual marker
--- a/old.go
+++ b/new.go
@@ -1 +1 @@
-old
+new
`
	hunks := splitHunks(malformed)
	a := assert.New(t)
	a.Len(hunks, 1)
	a.Equal("new.go", hunks[0].path)
}
