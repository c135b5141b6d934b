// Package resource classifies HTTP request targets into the four servable
// resource shapes the cache understands, and renders them back to their
// canonical cache-relative path.
package resource

import (
	"regexp"
)

// Kind identifies which of the four servable shapes a Resource is.
type Kind int

const (
	// KindRegistries is the consolidated listing at /registries.
	KindRegistries Kind = iota
	// KindRegistry is a single registry snapshot at /registry/{uuid}/{hash}.
	KindRegistry
	// KindPackage is a package tarball at /package/{uuid}/{hash}.
	KindPackage
	// KindArtifact is a binary artifact at /artifact/{hash}.
	KindArtifact
)

// String returns a human-readable name for the kind, used in log lines.
func (k Kind) String() string {
	switch k {
	case KindRegistries:
		return "registries"
	case KindRegistry:
		return "registry"
	case KindPackage:
		return "package"
	case KindArtifact:
		return "artifact"
	default:
		return "unknown"
	}
}

const (
	uuidPattern = `[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`
	hashPattern = `[0-9a-f]{40}`
)

//nolint:gochecknoglobals
var (
	registryRx = regexp.MustCompile(`^/registry/(` + uuidPattern + `)/(` + hashPattern + `)$`)
	packageRx  = regexp.MustCompile(`^/package/(` + uuidPattern + `)/(` + hashPattern + `)$`)
	artifactRx = regexp.MustCompile(`^/artifact/(` + hashPattern + `)$`)
)

// Resource is a parsed, validated resource identifier.
type Resource struct {
	Kind   Kind
	UUID   string
	Hash   string
	target string
}

// Path returns the resource's path relative to the cache root, e.g.
// "registry/<uuid>/<hash>" or "artifact/<hash>". It never has a leading
// slash, matching the cache store's expectations.
func (r Resource) Path() string {
	switch r.Kind {
	case KindRegistries:
		return "registries"
	case KindRegistry:
		return "registry/" + r.UUID + "/" + r.Hash
	case KindPackage:
		return "package/" + r.UUID + "/" + r.Hash
	case KindArtifact:
		return "artifact/" + r.Hash
	default:
		return r.target
	}
}

// String returns the original HTTP target the resource was classified from.
func (r Resource) String() string { return r.target }

// Classify decides whether target is one of the four servable resource
// shapes. Query strings and trailing slashes are never accepted: target must
// match one of the shapes exactly.
func Classify(target string) (Resource, bool) {
	if target == "/registries" {
		return Resource{Kind: KindRegistries, target: target}, true
	}

	if sm := registryRx.FindStringSubmatch(target); sm != nil {
		return Resource{Kind: KindRegistry, UUID: sm[1], Hash: sm[2], target: target}, true
	}

	if sm := packageRx.FindStringSubmatch(target); sm != nil {
		return Resource{Kind: KindPackage, UUID: sm[1], Hash: sm[2], target: target}, true
	}

	if sm := artifactRx.FindStringSubmatch(target); sm != nil {
		return Resource{Kind: KindArtifact, Hash: sm[1], target: target}, true
	}

	return Resource{}, false
}

// Registry builds the canonical resource for a given registry UUID and hash,
// as used by the convergence loop when it already knows both.
func Registry(uuid, hash string) Resource {
	return Resource{Kind: KindRegistry, UUID: uuid, Hash: hash, target: "/registry/" + uuid + "/" + hash}
}
