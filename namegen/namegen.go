package namegen

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// MaxLength is the longest name accepted by every resource kind we create
// (blob containers are the strictest).
const MaxLength = 63

var invalidChars = regexp.MustCompile(`[^a-z0-9-]+`)
var repeatedHyphens = regexp.MustCompile(`-{2,}`)

// Unique returns a resource name made of the prefix, a generated word pair and
// a UTC timestamp, e.g. "input-pingpong-brave-otter-20240101-120000".
func Unique(prefix string) string {
	return unique(prefix, Get(), time.Now())
}

func unique(prefix string, id ID, now time.Time) string {
	stamp := now.UTC().Format("20060102-150405")
	name := Sanitize(fmt.Sprintf("%s-%s", prefix, id))

	// Keep the timestamp intact when truncating
	if room := MaxLength - len(stamp) - 1; len(name) > room {
		name = strings.TrimRight(name[:room], "-")
	}
	return fmt.Sprintf("%s-%s", name, stamp)
}

// Sanitize folds a string into a name valid for pools, jobs, tasks and blob
// containers alike: lowercase letters, digits and single hyphens, starting and
// ending with an alphanumeric character.
func Sanitize(s string) string {
	s = invalidChars.ReplaceAllString(strings.ToLower(s), "-")
	s = repeatedHyphens.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxLength {
		s = strings.TrimRight(s[:MaxLength], "-")
	}
	return s
}
