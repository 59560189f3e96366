// Package flowid provides request correlation ids for the gateway.
//
// Incoming requests get a flow id assigned unless they already carry
// one; the id travels to the backend in the request header and shows
// up in the access log, correlating an exchange across the gateway and
// the coordinator logs.
package flowid

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// HeaderName of the flow id carried on requests through the gateway.
const HeaderName = "X-Trinogate-Request-Id"

// Generator creates flow ids.
type Generator interface {

	// Generate returns a new flow id using the implementation
	// specific format, or an error in case of failure.
	Generate() (string, error)

	// MustGenerate behaves like Generate but panics on failure.
	MustGenerate() string

	// IsValid asserts if a given flow id follows the expected
	// format.
	IsValid(string) bool
}

type ulidGenerator struct {
	sync.Mutex
	r io.Reader
}

// NewGenerator creates a ULID based flow id generator, safe for
// concurrent use.
func NewGenerator() Generator {
	return NewGeneratorWithEntropy(rand.New(rand.NewSource(time.Now().UTC().UnixNano())))
}

// NewGeneratorWithEntropy creates a ULID based flow id generator with
// the given entropy source.
func NewGeneratorWithEntropy(r io.Reader) Generator {
	return &ulidGenerator{r: r}
}

func (g *ulidGenerator) Generate() (string, error) {
	g.Lock()
	id, err := ulid.New(ulid.Now(), g.r)
	g.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (g *ulidGenerator) MustGenerate() string {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

func (g *ulidGenerator) IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}
