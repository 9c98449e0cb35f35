package models

type Slot struct {
	Label       string `json:"label" yaml:"label"`
	IsImmediate bool   `json:"is_immediate" yaml:"immediate"`
	Capacity    int    `json:"capacity" yaml:"capacity"`
}

type SlotStatus struct {
	Slot
	Active int  `json:"active"`
	Full   bool `json:"full"`
}
