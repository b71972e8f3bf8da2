package identity

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// DefaultHumanIDPrefix is used when no prefix is configured.
const DefaultHumanIDPrefix = "AVA"

const humanIDSpace = 1_000_000

// HumanIDGenerator produces staff-facing identifiers like "AVA 123-456".
type HumanIDGenerator interface {
	Next() (string, error)
}

type randomHumanID struct {
	prefix string
}

// NewHumanIDGenerator draws six random digits per ID from crypto/rand.
func NewHumanIDGenerator(prefix string) HumanIDGenerator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultHumanIDPrefix
	}
	return &randomHumanID{prefix: prefix}
}

func (g *randomHumanID) Next() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(humanIDSpace))
	if err != nil {
		return "", fmt.Errorf("generate human id: %w", err)
	}
	return formatHumanID(g.prefix, n.Int64()), nil
}

func formatHumanID(prefix string, n int64) string {
	return fmt.Sprintf("%s %03d-%03d", prefix, n/1000, n%1000)
}

var humanIDPattern = regexp.MustCompile(`^[A-Z]+ \d{3}-\d{3}$`)

// LooksLikeHumanID reports whether s has the human ID shape.
func LooksLikeHumanID(s string) bool {
	return humanIDPattern.MatchString(strings.ToUpper(strings.TrimSpace(s)))
}
