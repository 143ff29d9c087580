package models

import "strconv"

func uintToString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
