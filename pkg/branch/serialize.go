package branch

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/noderev"
)

// Serialize renders rr in the ASCII, LF-terminated grammar of §6:
//
//	r<rev>: eids <first> <next> branches <N>
//	<branch-id> root-eid <root-eid> at <rrpath or ".">
//	e<eid>: (normal|subbranch|none) <parent-eid> <name or "." or "(null)">
//	... one line per eid in [first, next) ...
//	(repeated for each of the N branches)
//
// Payloads are never inlined: a "normal" line only records enough to
// rebuild the element tree, and the actual node-revision is resolved on
// demand against the node-revision store by the caller.
func (rr *RevisionRoot) Serialize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "r%d: eids %d %d branches %d\n", rr.Rev, rr.FirstEID, rr.NextEID, len(rr.Branches))
	for _, br := range rr.Branches {
		at := "."
		if br.OuterBranch != nil {
			if p, ok := br.OuterBranch.PathByEID(br.OuterEID); ok {
				at = p
			}
		}
		fmt.Fprintf(&b, "%s root-eid %d at %s\n", br.id, br.RootEID, at)
		for eid := rr.FirstEID; eid < rr.NextEID; eid++ {
			e, ok := br.Elements[eid]
			if !ok {
				fmt.Fprintf(&b, "e%d: none -1 (null)\n", eid)
				continue
			}
			kind := "normal"
			if e.IsSubbranchRoot() {
				kind = "subbranch"
			}
			name := encodeName(e.Name, eid == br.RootEID)
			fmt.Fprintf(&b, "e%d: %s %d %s\n", eid, kind, e.ParentEID, name)
		}
	}
	return b.String()
}

func encodeName(name string, isRoot bool) string {
	if isRoot || name == "" {
		return "."
	}
	return name
}

func decodeName(tok string) string {
	if tok == "." {
		return ""
	}
	return tok
}

// Parse is Serialize's inverse. parse(serialize(rr)) reconstructs rr up
// to element ordering within a branch, per §8's round-trip law.
func Parse(data string) (*RevisionRoot, error) {
	sc := bufio.NewScanner(strings.NewReader(data))
	if !sc.Scan() {
		return nil, fmt.Errorf("branch: parse: empty input: %w", fserrors.ErrMalformed)
	}
	rev, first, next, nBranches, err := parseHeader(sc.Text())
	if err != nil {
		return nil, err
	}
	rr := &RevisionRoot{Rev: int64(rev), FirstEID: first, NextEID: next}

	for i := 0; i < nBranches; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("branch: parse: truncated branch header: %w", fserrors.ErrMalformed)
		}
		id, rootEID, _, err := parseBranchHeader(sc.Text())
		if err != nil {
			return nil, err
		}
		br := &BranchState{id: id, RootEID: rootEID, OuterEID: NoParent, Elements: map[EID]*Element{}}
		for eid := first; eid < next; eid++ {
			if !sc.Scan() {
				return nil, fmt.Errorf("branch: parse: truncated element line: %w", fserrors.ErrMalformed)
			}
			gotEID, kind, parentEID, name, err := parseElementLine(sc.Text())
			if err != nil {
				return nil, err
			}
			if gotEID != eid {
				return nil, fmt.Errorf("branch: parse: eid out of order (got e%d, want e%d): %w", gotEID, eid, fserrors.ErrMalformed)
			}
			switch kind {
			case "none":
				continue
			case "subbranch":
				br.Elements[eid] = &Element{ParentEID: parentEID, Name: decodeName(name)}
			case "normal":
				br.Elements[eid] = &Element{ParentEID: parentEID, Name: decodeName(name)}
				if br.pendingNormal == nil {
					br.pendingNormal = map[EID]bool{}
				}
				br.pendingNormal[eid] = true
			default:
				return nil, fmt.Errorf("branch: parse: unknown element kind %q: %w", kind, fserrors.ErrMalformed)
			}
		}
		rr.Branches = append(rr.Branches, br)
		if strings.Count(id, ".") == 0 {
			rr.RootBranches = append(rr.RootBranches, br)
		}
	}
	wireOuterBranches(rr)
	return rr, nil
}

// ResolvePayloads fills in the real payload of every element Parse
// marked "normal" (and therefore left with a nil Payload, since normal
// elements' content is never inlined in the serialized form), by asking
// resolve for the node-revision each (branch-id, eid) pair names.
func (rr *RevisionRoot) ResolvePayloads(resolve func(branchID string, eid EID) (*noderev.ID, error)) error {
	for _, br := range rr.Branches {
		for eid := range br.pendingNormal {
			id, err := resolve(br.id, eid)
			if err != nil {
				return err
			}
			br.Elements[eid].Payload = id
		}
		br.pendingNormal = nil
	}
	return nil
}

func parseHeader(line string) (rev, first, next EID, n int, err error) {
	var r, f, nx, nb int64
	_, scanErr := fmt.Sscanf(line, "r%d: eids %d %d branches %d", &r, &f, &nx, &nb)
	if scanErr != nil {
		return 0, 0, 0, 0, fmt.Errorf("branch: parse: malformed header %q: %w", line, fserrors.ErrMalformed)
	}
	return EID(r), EID(f), EID(nx), int(nb), nil
}

func parseBranchHeader(line string) (id string, rootEID EID, at string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 5 || fields[1] != "root-eid" || fields[3] != "at" {
		return "", 0, "", fmt.Errorf("branch: parse: malformed branch header %q: %w", line, fserrors.ErrMalformed)
	}
	n, convErr := strconv.Atoi(fields[2])
	if convErr != nil {
		return "", 0, "", fmt.Errorf("branch: parse: malformed root-eid in %q: %w", line, fserrors.ErrMalformed)
	}
	return fields[0], EID(n), fields[4], nil
}

func parseElementLine(line string) (eid EID, kind string, parentEID EID, name string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 4 || !strings.HasPrefix(fields[0], "e") || !strings.HasSuffix(fields[0], ":") {
		return 0, "", 0, "", fmt.Errorf("branch: parse: malformed element line %q: %w", line, fserrors.ErrMalformed)
	}
	eidStr := strings.TrimSuffix(strings.TrimPrefix(fields[0], "e"), ":")
	eidN, convErr := strconv.Atoi(eidStr)
	if convErr != nil {
		return 0, "", 0, "", fmt.Errorf("branch: parse: malformed eid in %q: %w", line, fserrors.ErrMalformed)
	}
	parentN, convErr := strconv.Atoi(fields[2])
	if convErr != nil {
		return 0, "", 0, "", fmt.Errorf("branch: parse: malformed parent-eid in %q: %w", line, fserrors.ErrMalformed)
	}
	return EID(eidN), fields[1], EID(parentN), fields[3], nil
}

func wireOuterBranches(rr *RevisionRoot) {
	byID := map[string]*BranchState{}
	for _, b := range rr.Branches {
		byID[b.id] = b
	}
	for _, b := range rr.Branches {
		idx := strings.LastIndex(b.id, ".")
		if idx < 0 {
			continue
		}
		outerID := b.id[:idx]
		outerEIDStr := b.id[idx+1:]
		if outer, ok := byID[outerID]; ok {
			b.OuterBranch = outer
			if n, err := strconv.Atoi(outerEIDStr); err == nil {
				b.OuterEID = EID(n)
			}
		}
	}
}
