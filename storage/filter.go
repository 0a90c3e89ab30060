package storage

import "strings"

func containsDepartment(joined, department string) bool {
	for _, d := range strings.Split(joined, "、") {
		if d == department {
			return true
		}
	}
	return false
}
