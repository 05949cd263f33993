package protocol

import (
	"strings"

	"github.com/stemsi/exstem-live/internal/model"
)

// Category is a server error bucket with its own recovery policy.
type Category struct {
	Type        string
	Message     string
	Recoverable bool
}

var categories = []struct {
	needles []string
	Category
}{
	{[]string{"Authentication failed", "Invalid token"}, Category{model.ErrTypeAuth, "Authentication failed - token invalid or expired", false}},
	{[]string{"Access denied"}, Category{model.ErrTypeAccess, "Access denied - no permission for this test", false}},
	{[]string{"Test not found"}, Category{model.ErrTypeTest, "Test not found", false}},
	// No automatic retry; the candidate decides.
	{[]string{"Failed to generate question"}, Category{model.ErrTypeQuestion, "Question generation failed", true}},
}

// Classify buckets a server error message by substring. The first matching
// category wins.
func Classify(message string) (Category, bool) {
	for _, c := range categories {
		for _, n := range c.needles {
			if strings.Contains(message, n) {
				return c.Category, true
			}
		}
	}
	return Category{}, false
}

// Terminal reports whether a server error requires re-authentication.
func Terminal(message string) bool {
	c, ok := Classify(message)
	return ok && !c.Recoverable
}
