package fstree

import "strings"

// ValidPathname reports whether p is a usable entry pathname: non-empty and,
// when split on '/', no fragment is "", "." or "..". A single leading "/" or
// "./" is permitted. When allowSlashes is false, p must be a single fragment.
func ValidPathname(p string, allowSlashes bool) bool {
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "./") {
		if !allowSlashes {
			return false
		}
		p = p[2:]
	} else if strings.HasPrefix(p, "/") {
		if !allowSlashes {
			return false
		}
		p = p[1:]
	}
	if p == "" {
		return false
	}
	for {
		frag := p
		last := true
		if i := strings.IndexByte(p, '/'); i >= 0 {
			if !allowSlashes {
				return false
			}
			frag = p[:i]
			p = p[i+1:]
			last = false
		}
		if frag == "" || frag == "." || frag == ".." {
			return false
		}
		if last {
			return true
		}
	}
}

// Normalize validates an entry pathname and returns its canonical absolute
// form, with a single leading "/". It returns ok == false for pathnames that
// fail ValidPathname.
func Normalize(s string) (string, bool) {
	if !ValidPathname(s, true) {
		return "", false
	}
	if strings.HasPrefix(s, "./") {
		return s[1:], true
	}
	if strings.HasPrefix(s, "/") {
		return s, true
	}
	return "/" + s, true
}
