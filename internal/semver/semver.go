package semver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

var re = regexp.MustCompile(`^v(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)$`)

var ErrParse = errors.New("could not parse provided string into semantic version")

type Comparison int

const (
	CompareEqual Comparison = iota
	CompareOldMajor
	CompareNewMajor
	CompareOldMinor
	CompareNewMinor
	CompareOldPatch
	CompareNewPatch
)

type Version struct {
	Major int
	Minor int
	Patch int
}

// Parse parses the the provided string into a semver representation.
func Parse(s string) (Version, error) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return Version{}, ErrParse
	}
	var (
		ver Version
		err error
	)
	if ver.Major, err = strconv.Atoi(m[1]); err != nil {
		return Version{}, fmt.Errorf("parsing Major to int: %w", err)
	}
	if ver.Minor, err = strconv.Atoi(m[2]); err != nil {
		return Version{}, fmt.Errorf("parsing Minor to int: %w", err)
	}
	if ver.Patch, err = strconv.Atoi(m[3]); err != nil {
		return Version{}, fmt.Errorf("parsing Patch to int: %w", err)
	}
	return ver, nil
}

// String returns a string representation of the semver.
func (sv Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", sv.Major, sv.Minor, sv.Patch)
}

func (sv Version) MarshalText() ([]byte, error) {
	return []byte(sv.String()), nil
}

func (sv *Version) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*sv = v
	return nil
}

// Compare compares the semver against the provided oracle statement.
func (sv Version) Compare(oracle Version) Comparison {
	switch {
	case sv.Major < oracle.Major:
		return CompareOldMajor
	case sv.Major > oracle.Major:
		return CompareNewMajor
	case sv.Minor < oracle.Minor:
		return CompareOldMinor
	case sv.Minor > oracle.Minor:
		return CompareNewMinor
	case sv.Patch < oracle.Patch:
		return CompareOldPatch
	case sv.Patch > oracle.Patch:
		return CompareNewPatch
	default:
		return CompareEqual
	}
}

// GetServerVersion fetches the version exposed by a transfer server at baseURL.
func GetServerVersion(ctx context.Context, baseURL string) (Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/version", nil)
	if err != nil {
		return Version{}, fmt.Errorf("building version request: %w", err)
	}
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		return Version{}, fmt.Errorf("fetching version from server: %w", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		return Version{}, fmt.Errorf("fetching version from server: unexpected status %s", r.Status)
	}
	var version Version
	if err := json.NewDecoder(r.Body).Decode(&version); err != nil {
		return Version{}, fmt.Errorf("decoding version response from server: %w", err)
	}
	return version, nil
}
