// Package hasher verifies and produces password hashes. Argon2id is the
// primary algorithm; the legacy bcrypt family still verifies and is flagged
// for upgrade on the next successful login.
package hasher

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse/gatehouse/pkg/config"
)

var (
	// ErrUnknownAlgorithm means the stored hash carries no recognized tag.
	// Verification fails closed.
	ErrUnknownAlgorithm = errors.New("unknown password hash algorithm")
	// ErrWeakParameters means the configured parameters are below the floor.
	ErrWeakParameters = errors.New("hasher parameters below configured floor")
	// ErrMalformedHash means the stored hash could not be parsed.
	ErrMalformedHash = errors.New("malformed password hash")
)

const (
	argonPrefix  = "$argon2id$"
	bcryptPrefix = "bcrypt$"
)

// Result is the outcome of a verification.
type Result struct {
	Match bool
	// NeedsUpgrade is set when the hash verified against the legacy
	// algorithm or against Argon2id parameters weaker than the current
	// configuration. The caller re-hashes with the just-verified plaintext.
	NeedsUpgrade bool
}

// Hasher produces and verifies Argon2id hashes with self-describing
// parameters.
type Hasher struct {
	memoryKiB   uint32
	timeCost    uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

// New creates a Hasher, failing closed when any parameter is below the floor.
func New(cfg config.HasherConfig) (*Hasher, error) {
	if cfg.MemoryKiB < config.MinHashMemoryKiB ||
		cfg.TimeCost < config.MinHashTimeCost ||
		uint32(cfg.Parallelism) < config.MinHashParallel ||
		cfg.SaltLength < config.MinHashSaltLength ||
		cfg.KeyLength < config.MinHashKeyLength {
		return nil, fmt.Errorf("%w: m=%d t=%d p=%d salt=%d key=%d",
			ErrWeakParameters, cfg.MemoryKiB, cfg.TimeCost, cfg.Parallelism, cfg.SaltLength, cfg.KeyLength)
	}
	return &Hasher{
		memoryKiB:   cfg.MemoryKiB,
		timeCost:    cfg.TimeCost,
		parallelism: cfg.Parallelism,
		saltLength:  cfg.SaltLength,
		keyLength:   cfg.KeyLength,
	}, nil
}

// Hash hashes a password with the configured Argon2id parameters. The
// encoding is $argon2id$v=19$m=<mem>,t=<time>,p=<par>$<salt>$<digest>.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := argon2.IDKey([]byte(password), salt, h.timeCost, h.memoryKiB, h.parallelism, h.keyLength)

	encoded := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memoryKiB,
		h.timeCost,
		h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	)

	return encoded, nil
}

// Verify checks a password against a stored hash of either family. An
// unrecognized tag fails closed with no match.
func (h *Hasher) Verify(password, encodedHash string) (Result, error) {
	switch {
	case strings.HasPrefix(encodedHash, argonPrefix):
		return h.verifyArgon2(password, encodedHash)
	case strings.HasPrefix(encodedHash, bcryptPrefix):
		return verifyBcrypt(password, strings.TrimPrefix(encodedHash, bcryptPrefix))
	case strings.HasPrefix(encodedHash, "$2a$"),
		strings.HasPrefix(encodedHash, "$2b$"),
		strings.HasPrefix(encodedHash, "$2y$"):
		// Bare bcrypt rows predate the tagged format.
		return verifyBcrypt(password, encodedHash)
	default:
		return Result{}, ErrUnknownAlgorithm
	}
}

type argonParams struct {
	memoryKiB   uint32
	timeCost    uint32
	parallelism uint8
}

func (h *Hasher) verifyArgon2(password, encodedHash string) (Result, error) {
	params, salt, digest, err := parseArgon2(encodedHash)
	if err != nil {
		return Result{}, err
	}

	actual := argon2.IDKey([]byte(password), salt, params.timeCost, params.memoryKiB, params.parallelism, uint32(len(digest)))

	if subtle.ConstantTimeCompare(actual, digest) != 1 {
		return Result{}, nil
	}

	// A match against weaker-than-current parameters is upgraded on the
	// spot by the orchestrator.
	weaker := params.memoryKiB < h.memoryKiB ||
		params.timeCost < h.timeCost ||
		params.parallelism < h.parallelism

	return Result{Match: true, NeedsUpgrade: weaker}, nil
}

func parseArgon2(encodedHash string) (argonParams, []byte, []byte, error) {
	// Sections: ["", "argon2id", "v=19", "m=..,t=..,p=..", salt, digest]
	sections := strings.Split(encodedHash, "$")
	if len(sections) != 6 || sections[1] != "argon2id" {
		return argonParams{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(sections[2], "v=%d", &version); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: bad version", ErrMalformedHash)
	}
	if version != argon2.Version {
		return argonParams{}, nil, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHash, version)
	}

	var p argonParams
	if _, err := fmt.Sscanf(sections[3], "m=%d,t=%d,p=%d", &p.memoryKiB, &p.timeCost, &p.parallelism); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: bad parameters", ErrMalformedHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(sections[4])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}

	digest, err := base64.RawStdEncoding.DecodeString(sections[5])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: bad digest", ErrMalformedHash)
	}

	return p, salt, digest, nil
}

func verifyBcrypt(password, hash string) (Result, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	return Result{Match: true, NeedsUpgrade: true}, nil
}

// IsPrimary reports whether the stored hash already uses the primary
// algorithm. Used by data-quality checks.
func IsPrimary(encodedHash string) bool {
	return strings.HasPrefix(encodedHash, argonPrefix)
}
