package eeprom

import "openenterprise/flashee/eeprom/flashsim"

// testCfg matches spec.md §8's scenario configuration:
// EE_SIZE=16, FL_PAGES=2, FL_PAGE_SIZE=1024, EE_TAG_SIZE=4,
// EE_VARIABLE_SIZE=2, K=510.
func testCfg() Config {
	return Config{
		BaseAddr:  0,
		PageSize:  1024,
		PageCount: 2,
		EESize:    16,
	}
}

func newTestFlash(cfg Config) *flashsim.Flash {
	return flashsim.New(int(cfg.PageSize)*cfg.PageCount, cfg.PageSize)
}

func mustOpen(fp FlashPort, cfg Config) *Store {
	s, err := Open(fp, cfg)
	if err != nil {
		panic(err)
	}
	return s
}
