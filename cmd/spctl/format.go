package main

import "strconv"

func boolCell(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}
