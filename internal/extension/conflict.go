package extension

import "sort"

// findCollisions returns the command and route names of the candidate that
// are already claimed by other loaded descriptors. The descriptor named by
// identifier is skipped so a reload is checked against everyone but itself.
//
// Caller must hold the registry lock.
func findCollisions(entries map[string]*Descriptor, identifier string, commands map[string]CommandHandler, routes []string) []string {
	taken := make(map[string]struct{})
	for id, d := range entries {
		if id == identifier || d.State != StateLoaded {
			continue
		}
		for _, c := range d.Commands {
			taken["command:"+c] = struct{}{}
		}
		for _, r := range d.Routes {
			taken["route:"+r] = struct{}{}
		}
	}

	var colliding []string
	for name := range commands {
		if _, ok := taken["command:"+name]; ok {
			colliding = append(colliding, name)
		}
	}
	for _, name := range routes {
		if _, ok := taken["route:"+name]; ok {
			colliding = append(colliding, name)
		}
	}
	sort.Strings(colliding)
	return colliding
}
