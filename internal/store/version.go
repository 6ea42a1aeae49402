package store

import (
	"fmt"

	"github.com/coreos/go-semver/semver"

	"kgindex/internal/graph"
)

// Version bump kinds.
const (
	BumpPatch = "patch"
	BumpMinor = "minor"
	BumpMajor = "major"
)

// NextVersion bumps prev by kind. An empty prev yields the initial version.
func NextVersion(prev, kind string) (string, error) {
	if prev == "" {
		return graph.InitialVersion, nil
	}
	v, err := semver.NewVersion(prev)
	if err != nil {
		return "", fmt.Errorf("parsing version %q: %w", prev, err)
	}
	switch kind {
	case BumpPatch:
		v.BumpPatch()
	case BumpMinor:
		v.BumpMinor()
	case BumpMajor:
		v.BumpMajor()
	default:
		return "", fmt.Errorf("unknown bump %q (want patch, minor or major)", kind)
	}
	return v.String(), nil
}

// CompareVersions orders two semver strings.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(*vb), nil
}

// BumpVersion applies an explicit minor or major bump to the committed
// version without touching the generation.
func (s *Store) BumpVersion(kind string) (*graph.VersionRecord, error) {
	if kind != BumpMinor && kind != BumpMajor {
		return nil, fmt.Errorf("explicit bumps are minor or major, got %q", kind)
	}
	cur := s.Version()
	if cur == nil {
		return nil, ErrNoGeneration
	}
	next, err := NextVersion(cur.Version, kind)
	if err != nil {
		return nil, err
	}
	rec := *cur
	rec.Version = next
	if err := s.SetVersion(rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
