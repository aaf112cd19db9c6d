package engine

import "strings"

// LibrarySeparator delimits entries of a LibraryList result.
const LibrarySeparator = ";"

// ParseLibraryList splits a manager library list into file names. Blank
// entries are dropped; an absent list yields nil.
func ParseLibraryList(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}

	parts := strings.Split(list, LibrarySeparator)
	libs := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			libs = append(libs, trimmed)
		}
	}
	if len(libs) == 0 {
		return nil
	}
	return libs
}
