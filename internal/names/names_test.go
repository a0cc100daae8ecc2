package names

import (
	"regexp"
	"sync"
	"testing"
)

var namePattern = regexp.MustCompile(`^[A-Z][a-z]+ [A-Z][a-z]+ \d{2}$`)

func TestGenerateFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		if name := Generate(); !namePattern.MatchString(name) {
			t.Fatalf("name %q does not match expected shape", name)
		}
	}
}

func TestGenerateConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if Generate() == "" {
					t.Error("empty name")
					return
				}
			}
		}()
	}
	wg.Wait()
}
