package git

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// Regular expressions for parsing repository identities and Git remote URLs.
var (
	// identityPattern matches owner/name identities. Owners follow GitHub's
	// account rules; names allow dots, dashes and underscores.
	identityPattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9-]*)/([A-Za-z0-9._-]+)$`)

	// httpsURLPattern matches HTTPS URLs like:
	// https://github.com/owner/repo.git
	// https://github.com/owner/repo
	httpsURLPattern = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+?)(?:\.git)?/?$`)

	// sshURLPattern matches SSH URLs like:
	// git@github.com:owner/repo.git
	// git@github.com:owner/repo
	sshURLPattern = regexp.MustCompile(`^git@[^:]+:([^/]+)/([^/]+?)(?:\.git)?$`)
)

// NormalizeIdentity returns the canonical owner/name form of identity.
// Remote URLs in HTTPS or SSH form are accepted and reduced to owner/name;
// a leading slash is ignored.
func NormalizeIdentity(identity string) (owner, name string, err error) {
	identity = strings.TrimSpace(identity)
	if strings.Contains(identity, "://") || strings.HasPrefix(identity, "git@") {
		parsed, perr := parseRepoFromURL(identity)
		if perr != nil {
			return "", "", fmt.Errorf("%w: %w", domain.ErrInvalidIdentity, perr)
		}
		identity = parsed
	}
	identity = strings.TrimPrefix(identity, "/")

	m := identityPattern.FindStringSubmatch(identity)
	if len(m) != 3 || m[2] == "." || m[2] == ".." {
		return "", "", fmt.Errorf("%w: %q", domain.ErrInvalidIdentity, identity)
	}
	return m[1], m[2], nil
}

// parseRepoFromURL extracts owner/repo from a Git remote URL.
// Supports both HTTPS and SSH formats:
//   - https://github.com/owner/repo.git -> owner/repo
//   - https://github.com/owner/repo -> owner/repo
//   - git@github.com:owner/repo.git -> owner/repo
//   - git@github.com:owner/repo -> owner/repo
func parseRepoFromURL(url string) (string, error) {
	url = strings.TrimSpace(url)

	// Try HTTPS pattern first
	if matches := httpsURLPattern.FindStringSubmatch(url); len(matches) == 3 {
		return matches[1] + "/" + matches[2], nil
	}

	// Try SSH pattern
	if matches := sshURLPattern.FindStringSubmatch(url); len(matches) == 3 {
		return matches[1] + "/" + matches[2], nil
	}

	return "", fmt.Errorf("unrecognized URL format: %s", url)
}

// newRepositoryRef derives the remote URL and mirror path for an identity.
// The mirror lives at <root>/<owner>/<name>, so distinct identities never share a directory.
func newRepositoryRef(identity, root, urlTemplate string) (domain.RepositoryRef, error) {
	owner, name, err := NormalizeIdentity(identity)
	if err != nil {
		return domain.RepositoryRef{}, err
	}
	canonical := owner + "/" + name
	return domain.RepositoryRef{
		Identity:   canonical,
		Owner:      owner,
		Name:       name,
		URL:        remoteURL(urlTemplate, canonical),
		MirrorPath: filepath.Join(root, owner, name),
	}, nil
}

// lockDir holds the per-identity mirror lock files. Owners cannot start with
// a dot, so no mirror directory can land inside it.
const lockDir = ".locks"

// mirrorLockPath returns the cross-process lock file guarding ref's mirror.
func mirrorLockPath(root string, ref domain.RepositoryRef) string {
	return filepath.Join(root, lockDir, ref.Owner, ref.Name+".lock")
}

// remoteURL renders the clone URL for identity. Templates without a %s verb
// are treated as a base and get the identity appended.
func remoteURL(template, identity string) string {
	if template == "" {
		template = DefaultURLTemplate
	}
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, identity)
	}
	return strings.TrimSuffix(template, "/") + "/" + identity
}
