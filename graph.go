package e2factory

import "strings"

// visit states for the dependency walk.
const (
	colorWhite = iota
	colorGrey
	colorBlack
)

// DependencyOrder expands names to their transitive dependency closure and
// returns it in build order (dependencies first). A cycle fails with the
// minimal cycle path before any other work happens.
func (ws *Workspace) DependencyOrder(names []string) ([]string, error) {
	color := map[string]int{}
	var order []string
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case colorBlack:
			return nil
		case colorGrey:
			// reconstruct the minimal cycle from the active path
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return Errorf(KindCycle, "cyclic dependency: %s", strings.Join(cycle, " -> "))
		}
		color[name] = colorGrey
		path = append(path, name)

		r, err := ws.Results.Get(name)
		if err != nil {
			return WithKind(KindConfig, err)
		}
		for _, dep := range r.Depends {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		color[name] = colorBlack
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// VerifyAcyclic checks the whole result graph at load time.
func (ws *Workspace) VerifyAcyclic() error {
	_, err := ws.DependencyOrder(ws.Results.Names())
	return err
}
