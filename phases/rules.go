package phases

import (
	"github.com/gitsnap/gitsnap/filter"
	"github.com/gitsnap/gitsnap/transfer"
)

const (
	Auxiliary  = "auxiliary"
	PackedRefs = "packed-refs"
	Refs       = "refs"
	Objects    = "objects"
	Special    = "special"
)

// TempPrefix marks objects the host is still writing.
const TempPrefix = "tmp_"

// DefaultCaches are special directories holding derived data only.
var DefaultCaches = []string{"__nodeload_archives__", "__gitmon__", "__render__"}

// Phase is one pass over the whole namespace.
type Phase struct {
	Name     string
	Rules    *filter.RuleSet
	Compress bool
}

func (p Phase) request(source, dest, reference string) transfer.Request {
	return transfer.Request{
		Name:      p.Name,
		Rules:     p.Rules,
		Source:    source,
		Dest:      dest,
		Reference: reference,
		Compress:  p.Compress,
	}
}

// Every repository phase keeps out of the top-level special namespace and
// the top-level info directory; those belong to the special phase.
var outsideRepos = []filter.Rule{
	filter.Exclude("/__*__/"),
	filter.Exclude("/info/"),
}

func repoPhase(rules ...filter.Rule) *filter.RuleSet {
	return filter.MustNew(append(append([]filter.Rule{}, outsideRepos...), rules...)...)
}

// Default returns the five phases in the order they must run. Refs are copied
// before objects so that every ref in the snapshot names an object that
// existed when the objects pass started, and compaction is suspended so no
// such object is removed before it is copied.
func Default(caches []string) []Phase {
	return []Phase{
		{
			Name: Auxiliary,
			Rules: repoPhase(
				filter.Exclude("*.git/refs/"),
				filter.Exclude("*.git/logs/"),
				filter.Exclude("*.git/objects/"),
				filter.Exclude("*.git/packed-refs"),
				filter.Exclude("*.git/info/lost+found"),
				filter.Include("*/"),
				filter.Include("*.git/**"),
			),
			Compress: true,
		},
		{
			Name: PackedRefs,
			Rules: repoPhase(
				filter.Exclude("*.git/*/"),
				filter.Include("*/"),
				filter.Include("*.git/packed-refs"),
			),
			Compress: true,
		},
		{
			Name: Refs,
			Rules: repoPhase(
				filter.Include("*.git/refs/***"),
				filter.Include("*.git/logs/***"),
				filter.Exclude("*.git/*/"),
				filter.Include("*/"),
			),
			Compress: true,
		},
		{
			// Pack files are already compressed.
			Name: Objects,
			Rules: repoPhase(
				filter.Exclude("*.git/objects/"+TempPrefix+"*"),
				filter.Exclude("*.git/objects/**/"+TempPrefix+"*"),
				filter.Include("*.git/objects/***"),
				filter.Exclude("*.git/*/"),
				filter.Include("*/"),
			),
			Compress: false,
		},
		{
			Name:     Special,
			Rules:    SpecialRules(caches),
			Compress: true,
		},
	}
}

// SpecialRules selects the top-level special directories other than caches,
// and the top-level info directory without its lost+found.
func SpecialRules(caches []string) *filter.RuleSet {
	var rules []filter.Rule
	for _, c := range caches {
		rules = append(rules, filter.Exclude("/"+c+"/"))
	}
	rules = append(rules,
		filter.Exclude("/info/lost+found"),
		filter.Include("/info/***"),
		filter.Include("/__*__/***"),
	)
	return filter.MustNew(rules...)
}
