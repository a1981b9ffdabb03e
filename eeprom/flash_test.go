package eeprom

import "testing"

func TestConfigValidate(t *testing.T) {
	base := testCfg()

	cases := []struct {
		name    string
		mutate  func(c Config) Config
		wantErr bool
	}{
		{"valid", func(c Config) Config { return c }, false},
		{"one page", func(c Config) Config { c.PageCount = 1; return c }, true},
		{"misaligned base", func(c Config) Config { c.BaseAddr = 3; return c }, true},
		{"odd ee size", func(c Config) Config { c.EESize = 15; return c }, true},
		{"zero ee size", func(c Config) Config { c.EESize = 0; return c }, true},
		{"ee size too large for page", func(c Config) Config { c.EESize = 8; c.PageSize = 8; return c }, true},
		{"lock page overlap", func(c Config) Config { c.LockAddr = c.PageSize; return c }, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.mutate(base).Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestPageCapacityRecords(t *testing.T) {
	cfg := testCfg()
	if got := cfg.pageCapacityRecords(); got != 510 {
		t.Errorf("pageCapacityRecords() = %d, want 510", got)
	}
}
