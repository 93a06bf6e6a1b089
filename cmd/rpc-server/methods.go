package main

import (
	"strings"

	"github.com/drblury/brokerrpc"
)

// newMethodTable returns the methods served by the example receiver.
func newMethodTable() (*brokerrpc.MethodTable, error) {
	table := brokerrpc.NewMethodTable()
	methods := map[string]any{
		"echo":   func(v any) any { return v },
		"add":    func(nums ...float64) float64 { return sum(nums) },
		"concat": func(parts ...string) string { return strings.Join(parts, "") },
	}
	for name, fn := range methods {
		if err := table.RegisterFunc(name, fn); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func sum(nums []float64) float64 {
	var total float64
	for _, n := range nums {
		total += n
	}
	return total
}
