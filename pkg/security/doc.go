/*
Package security provides authentication primitives for the Catalyst
backend.

The security package covers the three credential kinds the gateway accepts:
JWT session tokens for user clients, long-lived shared secrets for node
agents, and one-time bootstrap tokens for enrolling new nodes. It also
provides authenticated encryption for secrets at rest.

# Architecture

Three managers, one per credential kind:

	┌────────────────── CREDENTIALS ────────────────────────────┐
	│                                                           │
	│  User client ── JWT bearer ──▶ TokenManager               │
	│                                  IssueToken/ValidateToken │
	│                                                           │
	│  Node agent ── shared secret ─▶ VerifySecret              │
	│                                  (constant-time compare)  │
	│                                                           │
	│  New node ── bootstrap token ─▶ BootstrapManager          │
	│                                  GenerateToken/ClaimToken │
	│                                                           │
	│  Stored secrets ──────────────▶ SecretsManager            │
	│                                  AES-256-GCM at rest      │
	└───────────────────────────────────────────────────────────┘

# Session Tokens

TokenManager issues and validates HMAC-signed (HS256) JWTs carrying the
user id and an admin flag:

	tokens, err := security.NewTokenManager(cfg.JWTSecret)
	if err != nil {
		return err
	}

	token, err := tokens.IssueToken(user.ID, user.Admin, 12*time.Hour)

	identity, err := tokens.ValidateToken(bearer)
	if err != nil {
		// expired, malformed, or wrong signature
	}
	fmt.Println(identity.UserID, identity.Admin)

Validation rejects tokens signed with any non-HMAC algorithm, so a
forged "none"-algorithm token never passes.

# Node Secrets

Agents authenticate with a per-node shared secret generated at
enrollment:

	secret, err := security.GenerateNodeSecret() // 64 hex chars from crypto/rand

	if !security.VerifySecret(stored, presented) {
		// reject the handshake
	}

VerifySecret compares in constant time (crypto/subtle) so the check
leaks no timing signal about prefix matches.

# Bootstrap Tokens

Enrolling a node requires a one-time token minted by an operator:

	bootstrap := security.NewBootstrapManager()

	bt, err := bootstrap.GenerateToken(15 * time.Minute)
	// hand bt.Token to the new node out of band

	if err := bootstrap.ClaimToken(presented); err != nil {
		// unknown, expired, or already claimed
	}

Tokens are single-use and held in memory only; a backend restart
invalidates unclaimed tokens, which is acceptable for an operator flow.
CleanupExpiredTokens drops expired entries so the map cannot grow
unboundedly.

# Secrets at Rest

Node secrets persisted in the store are encrypted with AES-256-GCM:

	secrets, err := security.NewSecretsManagerFromPassword(cfg.JWTSecret)

	sealed, err := secrets.EncryptString(nodeSecret)
	plain, err := secrets.DecryptString(sealed)

NewSecretsManagerFromPassword derives the 32-byte key with SHA-256 from
the configured signing secret, so a single configured value protects
both sessions and stored secrets. Each encryption uses a fresh random
nonce; GCM authentication rejects tampered ciphertexts.

# Threat Model

What this package defends against:

  - Forged or tampered session tokens (HMAC signature)
  - Algorithm-substitution attacks on JWTs (HMAC enforced)
  - Timing attacks on secret comparison (constant-time compare)
  - Replayed bootstrap tokens (single-use claim)
  - Reading node secrets from a stolen database file (GCM at rest)

What it does not cover:

  - Transport security: Run the gateway behind TLS termination.
  - Key rotation: Changing JWT_SECRET invalidates all sessions and
    stored secrets together.

# Integration Points

This package integrates with:

  - pkg/gateway: Validates client tokens and agent secrets on /ws,
    drives bootstrap enrollment on /api/nodes/bootstrap
  - cmd/catalyst: Supplies JWT_SECRET from configuration
  - test/integration: Mints session tokens for websocket clients
*/
package security
