package artifact

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// ResolveVersion picks the highest available version satisfying the
// constraint. "latest" means the highest version of any. Entries in
// available that are not semver parse as nothing and are skipped.
func ResolveVersion(constraint string, available []string) (string, error) {
	if constraint == "latest" {
		constraint = ">= 0.0.0"
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("%w: bad constraint %q: %v", ErrNoVersion, constraint, err)
	}

	var matching []*semver.Version
	for _, raw := range available {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if c.Check(v) {
			matching = append(matching, v)
		}
	}
	if len(matching) == 0 {
		return "", fmt.Errorf("%w: %q (of %d available)", ErrNoVersion, constraint, len(available))
	}

	sort.Sort(semver.Collection(matching))
	return matching[len(matching)-1].Original(), nil
}
