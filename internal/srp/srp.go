// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package srp implements the server and client sides of SRP-6a (RFC 2945
// with the RFC 5054 group parameters) over the standard 2048-bit group
// with SHA-256. The relay uses it for password-authenticated key
// exchange; the negotiated key seals the binary envelope.
package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrInvalidPublicKey is returned when a peer's ephemeral public
	// value is zero mod N.
	ErrInvalidPublicKey = errors.New("invalid ephemeral public key")
	// ErrInvalidProof is returned when a peer's proof does not verify.
	ErrInvalidProof = errors.New("invalid proof")
)

// Group is an SRP group: a safe prime N and generator g.
type Group struct {
	N *big.Int
	G *big.Int
}

// Group2048 is the 2048-bit group from RFC 5054 appendix A, g = 2.
var Group2048 = mustGroup(
	"AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050"+
		"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50"+
		"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8"+
		"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B"+
		"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748"+
		"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6"+
		"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6"+
		"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73",
	2,
)

func mustGroup(nHex string, g int64) Group {
	n, ok := new(big.Int).SetString(nHex, 16)
	if !ok {
		panic("srp: bad group prime")
	}
	return Group{N: n, G: big.NewInt(g)}
}

// byteLen returns the length of N in bytes; all group elements are
// left-padded to this length before hashing.
func (g Group) byteLen() int {
	return (g.N.BitLen() + 7) / 8
}

func pad(x *big.Int, n int) []byte {
	b := x.Bytes()
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func hashParts(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// computeX derives the private key x = H(salt | H(identity ":" password)).
func computeX(salt []byte, identity, password string) *big.Int {
	inner := hashParts([]byte(identity + ":" + password))
	return new(big.Int).SetBytes(hashParts(salt, inner))
}

// multiplierK is k = H(N | PAD(g)) per SRP-6a.
func multiplierK(group Group) *big.Int {
	n := group.byteLen()
	return new(big.Int).SetBytes(hashParts(group.N.Bytes(), pad(group.G, n)))
}

// scramblingU is u = H(PAD(A) | PAD(B)).
func scramblingU(group Group, a, b *big.Int) *big.Int {
	n := group.byteLen()
	return new(big.Int).SetBytes(hashParts(pad(a, n), pad(b, n)))
}

// ComputeVerifier derives the password verifier v = g^x mod N. The
// server stores (salt, verifier) per identity; the password itself is
// never kept.
func ComputeVerifier(group Group, identity, password string, salt []byte) *big.Int {
	x := computeX(salt, identity, password)
	return new(big.Int).Exp(group.G, x, group.N)
}

// NewSalt returns a fresh 16-byte random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// clientM1 is M1 = H(H(N) xor H(g) | H(identity) | salt | PAD(A) |
// PAD(B) | K).
func clientM1(group Group, identity string, salt []byte, a, b *big.Int, key []byte) []byte {
	n := group.byteLen()
	hn := hashParts(group.N.Bytes())
	hg := hashParts(pad(group.G, n))
	hx := make([]byte, len(hn))
	for i := range hn {
		hx[i] = hn[i] ^ hg[i]
	}
	return hashParts(hx, hashParts([]byte(identity)), salt, pad(a, n), pad(b, n), key)
}

// serverM2 is M2 = H(PAD(A) | M1 | K).
func serverM2(group Group, a *big.Int, m1, key []byte) []byte {
	return hashParts(pad(a, group.byteLen()), m1, key)
}

// Server runs the server side of one handshake.
type Server struct {
	group    Group
	identity string
	salt     []byte
	v        *big.Int
	b        *big.Int
	ephB     *big.Int
	key      []byte
	a        *big.Int
}

// NewServer starts a handshake for a stored (salt, verifier) pair.
func NewServer(group Group, identity string, salt []byte, verifier *big.Int) (*Server, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate ephemeral secret: %w", err)
	}
	b := new(big.Int).SetBytes(raw)
	b.Mod(b, group.N)
	if b.Sign() == 0 {
		b.SetInt64(1)
	}

	// B = k*v + g^b mod N
	k := multiplierK(group)
	ephB := new(big.Int).Mul(k, verifier)
	ephB.Add(ephB, new(big.Int).Exp(group.G, b, group.N))
	ephB.Mod(ephB, group.N)

	return &Server{
		group:    group,
		identity: identity,
		salt:     salt,
		v:        verifier,
		b:        b,
		ephB:     ephB,
	}, nil
}

// Salt returns the stored salt for the challenge message.
func (s *Server) Salt() []byte { return s.salt }

// B returns the server's ephemeral public value.
func (s *Server) B() *big.Int { return s.ephB }

// SetA consumes the client's ephemeral public value and derives the
// session key.
func (s *Server) SetA(a *big.Int) error {
	reduced := new(big.Int).Mod(a, s.group.N)
	if reduced.Sign() == 0 {
		return ErrInvalidPublicKey
	}
	u := scramblingU(s.group, a, s.ephB)
	if u.Sign() == 0 {
		return ErrInvalidPublicKey
	}

	// S = (A * v^u)^b mod N
	S := new(big.Int).Exp(s.v, u, s.group.N)
	S.Mul(S, a)
	S.Mod(S, s.group.N)
	S.Exp(S, s.b, s.group.N)

	s.a = a
	s.key = hashParts(pad(S, s.group.byteLen()))
	return nil
}

// CheckM1 verifies the client's proof and, when valid, returns the
// server's proof M2.
func (s *Server) CheckM1(m1 []byte) ([]byte, error) {
	if s.key == nil {
		return nil, ErrInvalidProof
	}
	expected := clientM1(s.group, s.identity, s.salt, s.a, s.ephB, s.key)
	if subtle.ConstantTimeCompare(expected, m1) != 1 {
		return nil, ErrInvalidProof
	}
	return serverM2(s.group, s.a, m1, s.key), nil
}

// Key returns the 32-byte session key. Valid only after CheckM1.
func (s *Server) Key() []byte { return s.key }

// Client runs the client side of one handshake. The server package
// carries it for tests and for command-line provisioning tools.
type Client struct {
	group    Group
	identity string
	password string
	a        *big.Int
	ephA     *big.Int
	m1       []byte
	key      []byte
}

// NewClient starts a client handshake.
func NewClient(group Group, identity, password string) (*Client, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate ephemeral secret: %w", err)
	}
	a := new(big.Int).SetBytes(raw)
	a.Mod(a, group.N)
	if a.Sign() == 0 {
		a.SetInt64(1)
	}
	return &Client{
		group:    group,
		identity: identity,
		password: password,
		a:        a,
		ephA:     new(big.Int).Exp(group.G, a, group.N),
	}, nil
}

// A returns the client's ephemeral public value.
func (c *Client) A() *big.Int { return c.ephA }

// SetChallenge consumes the server's salt and B and returns the proof M1.
func (c *Client) SetChallenge(salt []byte, b *big.Int) ([]byte, error) {
	reduced := new(big.Int).Mod(b, c.group.N)
	if reduced.Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}

	u := scramblingU(c.group, c.ephA, b)
	x := computeX(salt, c.identity, c.password)
	k := multiplierK(c.group)

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(c.group.G, x, c.group.N)
	base := new(big.Int).Mul(k, gx)
	base.Sub(b, base)
	base.Mod(base, c.group.N)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)

	S := new(big.Int).Exp(base, exp, c.group.N)
	c.key = hashParts(pad(S, c.group.byteLen()))
	c.m1 = clientM1(c.group, c.identity, salt, c.ephA, b, c.key)
	return c.m1, nil
}

// CheckM2 verifies the server's proof.
func (c *Client) CheckM2(m2 []byte) error {
	if c.key == nil {
		return ErrInvalidProof
	}
	expected := serverM2(c.group, c.ephA, c.m1, c.key)
	if subtle.ConstantTimeCompare(expected, m2) != 1 {
		return ErrInvalidProof
	}
	return nil
}

// Key returns the 32-byte session key. Valid only after SetChallenge.
func (c *Client) Key() []byte { return c.key }
