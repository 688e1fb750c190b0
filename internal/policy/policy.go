// Package policy classifies wallet addresses against the configured whitelist and blocklist.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pi-faucet/internal/address"
)

// Classification is the policy verdict for one address.
type Classification struct {
	Whitelisted bool // exempt from once-ever and in-flight restrictions
	Blocked     bool // permanently ineligible
}

// Snapshot is an immutable view of the exception lists, taken once at startup.
// Safe for concurrent use.
type Snapshot struct {
	whitelist addressSet
	blocklist addressSet
}

// Lists is the raw configuration a Snapshot is built from.
type Lists struct {
	Whitelist []string `yaml:"whitelist"`
	Blocklist []string `yaml:"blocklist"`
}

// NewSnapshot normalizes every entry and indexes it under both its raw and collapsed form.
// Blank entries are ignored.
func NewSnapshot(lists Lists) *Snapshot {
	return &Snapshot{
		whitelist: index(lists.Whitelist),
		blocklist: index(lists.Blocklist),
	}
}

// Empty returns a snapshot with no exceptions.
func Empty() *Snapshot {
	return NewSnapshot(Lists{})
}

// Classify reports the policy for an already normalized address.
// The blocklist wins: a blocked address is never reported as whitelisted.
func (s *Snapshot) Classify(normalized string) Classification {
	if s == nil {
		return Classification{}
	}
	if s.blocklist.contains(normalized) {
		return Classification{Blocked: true}
	}
	return Classification{Whitelisted: s.whitelist.contains(normalized)}
}

// Sizes returns the number of distinct configured entries.
func (s *Snapshot) Sizes() (whitelisted, blocked int) {
	return len(s.whitelist.raw), len(s.blocklist.raw)
}

// Merge combines several list sources; duplicates collapse in the snapshot.
func Merge(sources ...Lists) Lists {
	var out Lists
	for _, src := range sources {
		out.Whitelist = append(out.Whitelist, src.Whitelist...)
		out.Blocklist = append(out.Blocklist, src.Blocklist...)
	}
	return out
}

// FromEnv reads comma-separated lists from the given environment variables.
func FromEnv(whitelistVar, blocklistVar string) Lists {
	return Lists{
		Whitelist: splitList(os.Getenv(whitelistVar)),
		Blocklist: splitList(os.Getenv(blocklistVar)),
	}
}

// LoadFile reads lists from a YAML file with top-level whitelist/blocklist sequences.
func LoadFile(path string) (Lists, error) {
	var lists Lists
	file, err := os.Open(path)
	if err != nil {
		return lists, fmt.Errorf("open policy file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&lists); err != nil {
		return lists, fmt.Errorf("decode policy file: %w", err)
	}
	return lists, nil
}

// collapse folds the digit 0 into the letter O. Account IDs are base32 and never
// contain 0, so operators copying an address by eye can only mean O.
func collapse(normalized string) string {
	return strings.ReplaceAll(normalized, "0", "O")
}

// addressSet matches an address by its normalized form or its collapsed form.
type addressSet struct {
	raw       map[string]struct{}
	collapsed map[string]struct{}
}

func index(entries []string) addressSet {
	set := addressSet{
		raw:       make(map[string]struct{}, len(entries)),
		collapsed: make(map[string]struct{}, len(entries)),
	}
	for _, entry := range entries {
		n := address.Normalize(entry)
		if n == "" {
			continue
		}
		set.raw[n] = struct{}{}
		set.collapsed[collapse(n)] = struct{}{}
	}
	return set
}

func (s addressSet) contains(normalized string) bool {
	if normalized == "" {
		return false
	}
	if _, ok := s.raw[normalized]; ok {
		return true
	}
	_, ok := s.collapsed[collapse(normalized)]
	return ok
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
