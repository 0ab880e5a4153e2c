package versioning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrUnparseableConstraint is returned when a pinned constraint cannot be
// translated into a version range. Callers fall back to exact string match.
var ErrUnparseableConstraint = errors.New("unparseable constraint")

// RangeFor translates a Terraform-style constraint string into a version
// range. Supported forms:
//
//	~> X.Y      >=X.Y.0 <(X+1).0.0
//	~> X.Y.Z    >=X.Y.Z <X.(Y+1).0
//	= X.Y.Z     exact (also =X.Y.Z and plain X.Y.Z)
//	>= X.Y[.Z]  standard comparison; also >, <=, <, !=
//
// Multiple clauses separated by commas or spaces are ANDed together.
func RangeFor(constraint string) (*semver.Constraints, error) {
	clauses, err := splitClauses(constraint)
	if err != nil {
		return nil, err
	}

	translated := make([]string, 0, len(clauses))
	for _, c := range clauses {
		t, err := translateClause(c.op, c.version)
		if err != nil {
			return nil, err
		}
		translated = append(translated, t)
	}

	rng, err := semver.NewConstraint(strings.Join(translated, ", "))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnparseableConstraint, constraint, err)
	}
	return rng, nil
}

// Matches reports whether v satisfies the pinned constraint. An
// unparseable constraint degrades to an exact string match, never to an
// over-match.
func Matches(constraint string, v *Version) bool {
	if v == nil {
		return false
	}
	constraint = strings.TrimSpace(constraint)
	rng, err := RangeFor(constraint)
	if err != nil {
		return constraint == v.Raw || constraint == "v"+v.Raw
	}

	sv, err := semver.NewVersion(v.String())
	if err != nil {
		return false
	}
	return rng.Check(sv)
}

type clause struct {
	op      string
	version string
}

var operators = []string{"~>", ">=", "<=", "!=", ">", "<", "="}

// splitClauses tokenizes a constraint string. Commas are equivalent to
// spaces; an operator may be glued to its version or separated by spaces.
func splitClauses(constraint string) ([]clause, error) {
	fields := strings.Fields(strings.ReplaceAll(constraint, ",", " "))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrUnparseableConstraint)
	}

	var clauses []clause
	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		op := ""
		for _, cand := range operators {
			if strings.HasPrefix(tok, cand) {
				op = cand
				break
			}
		}
		rest := strings.TrimSpace(strings.TrimPrefix(tok, op))
		if op != "" && rest == "" {
			// Operator separated from its version by whitespace.
			i++
			if i >= len(fields) {
				return nil, fmt.Errorf("%w: dangling operator %q", ErrUnparseableConstraint, op)
			}
			rest = fields[i]
		}
		clauses = append(clauses, clause{op: op, version: rest})
	}
	return clauses, nil
}

func translateClause(op, version string) (string, error) {
	parts := strings.Split(version, ".")
	nums, err := numericParts(parts)
	if err != nil {
		return "", err
	}

	switch op {
	case "~>":
		switch len(nums) {
		case 2:
			return fmt.Sprintf(">=%d.%d.0, <%d.0.0", nums[0], nums[1], nums[0]+1), nil
		case 3:
			return fmt.Sprintf(">=%d.%d.%d, <%d.%d.0", nums[0], nums[1], nums[2], nums[0], nums[1]+1), nil
		default:
			return "", fmt.Errorf("%w: ~> wants X.Y or X.Y.Z, got %q", ErrUnparseableConstraint, version)
		}
	case "", "=":
		if len(nums) != 3 {
			return "", fmt.Errorf("%w: exact match wants X.Y.Z, got %q", ErrUnparseableConstraint, version)
		}
		return fmt.Sprintf("=%d.%d.%d", nums[0], nums[1], nums[2]), nil
	case ">=", ">", "<=", "<", "!=":
		switch len(nums) {
		case 2:
			return fmt.Sprintf("%s%d.%d.0", op, nums[0], nums[1]), nil
		case 3:
			return fmt.Sprintf("%s%d.%d.%d", op, nums[0], nums[1], nums[2]), nil
		default:
			return "", fmt.Errorf("%w: %s wants X.Y or X.Y.Z, got %q", ErrUnparseableConstraint, op, version)
		}
	default:
		return "", fmt.Errorf("%w: unknown operator %q", ErrUnparseableConstraint, op)
	}
}

func numericParts(parts []string) ([]int, error) {
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimPrefix(p, "v")
		n := 0
		if p == "" {
			return nil, fmt.Errorf("%w: empty component", ErrUnparseableConstraint)
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return nil, fmt.Errorf("%w: non-numeric component %q", ErrUnparseableConstraint, p)
			}
			n = n*10 + int(r-'0')
		}
		nums = append(nums, n)
	}
	return nums, nil
}
