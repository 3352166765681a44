// Package artifact distributes signing engines as OCI artifacts: a
// registry puller, a content-addressed filesystem cache, semver
// version resolution, and detached signature verification.
package artifact

// MediaTypeEngineWASM marks the layer carrying the engine binary.
const MediaTypeEngineWASM = "application/vnd.provamark.engine.wasm.v1"

// ArtifactTypeEngine is the manifest artifact type for packed engines.
const ArtifactTypeEngine = "application/vnd.provamark.engine.v1"

// Artifact is one pulled engine build.
type Artifact struct {
	Reference Reference
	Digest    Digest
	WASM      []byte
}
