package utils

import (
	"bufio"
	"os"
	"strings"
)

// IgnoreList holds series title terms whose recordings are never ingested
// (news, sports and other non-episodic programs)
type IgnoreList struct {
	terms []string
}

// NewIgnoreList builds an ignore list from terms
func NewIgnoreList(terms ...string) *IgnoreList {
	return &IgnoreList{terms: terms}
}

// LoadIgnoreList loads ignore terms from a file, one per line, # for comments
func LoadIgnoreList(path string) (*IgnoreList, error) {
	// If file doesn't exist, return empty list
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &IgnoreList{terms: []string{}}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var terms []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		term := strings.TrimSpace(scanner.Text())
		if term != "" && !strings.HasPrefix(term, "#") {
			terms = append(terms, term)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &IgnoreList{terms: terms}, nil
}

// IsIgnored checks if a series title matches any ignore term
// Returns (isIgnored, matchedTerm)
func (l *IgnoreList) IsIgnored(title string) (bool, string) {
	if l == nil {
		return false, ""
	}
	titleLower := strings.ToLower(title)

	for _, term := range l.terms {
		if strings.Contains(titleLower, strings.ToLower(term)) {
			return true, term
		}
	}

	return false, ""
}
