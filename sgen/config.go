package sgen

import (
	"runtime"
	"strconv"
	"strings"
)

// Configuration.
//
// Two environment variables, both comma-separated key[=value] lists:
// SGEN_PARAMS selects the backends and sizes, SGEN_DEBUG switches the
// self-checking machinery on. A parse failure prints usage and
// terminates the process during initialization; after that the
// configuration is immutable.

const (
	paramsEnvVar = "SGEN_PARAMS"
	debugEnvVar  = "SGEN_DEBUG"
)

type gcParams struct {
	majorName    string
	wbarrierName string

	maxHeapSize   uintptr
	softHeapLimit uintptr
	nurserySize   uintptr

	preciseStackMark bool

	workers int
}

type debugFlags struct {
	collectBeforeAllocs int
	checkAtMinor        bool
	clearAtGC           bool
	xdomainChecks       bool
	verifyNursery       bool
	dumpNursery         bool
	disableMinor        bool
	disableMajor        bool
	heapDump            string
	printAllowance      bool
	printPinning        bool
}

func defaultParams() gcParams {
	workers := runtime.NumCPU()
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return gcParams{
		majorName:    "marksweep",
		wbarrierName: "remset",
		maxHeapSize:  defaultMajorHeapSize,
		nurserySize:  defaultNurserySize,
		workers:      workers,
	}
}

// parseSize accepts a decimal byte count with an optional k, m or g
// suffix.
func parseSize(s string) (uintptr, error) {
	mult := uintptr(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k', 'K':
			mult = 1 << 10
			s = s[:n-1]
		case 'm', 'M':
			mult = 1 << 20
			s = s[:n-1]
		case 'g', 'G':
			mult = 1 << 30
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return uintptr(v) * mult, nil
}

type configError string

func (e configError) Error() string { return string(e) }

func parseParams(s string, p *gcParams) error {
	if s == "" {
		return nil
	}
	for _, opt := range strings.Split(s, ",") {
		if opt == "" {
			continue
		}
		key, val, _ := strings.Cut(opt, "=")
		switch key {
		case "major":
			switch val {
			case "marksweep", "marksweep-par", "marksweep-fixed", "marksweep-fixed-par", "copying":
				p.majorName = val
			default:
				return configError("unknown major collector `" + val + "'")
			}
		case "wbarrier":
			switch val {
			case "remset", "cardtable":
				p.wbarrierName = val
			default:
				return configError("unknown write barrier `" + val + "'")
			}
		case "max-heap-size":
			n, err := parseSize(val)
			if err != nil {
				return configError("bad max-heap-size `" + val + "'")
			}
			p.maxHeapSize = n
		case "soft-heap-limit":
			n, err := parseSize(val)
			if err != nil {
				return configError("bad soft-heap-limit `" + val + "'")
			}
			p.softHeapLimit = n
		case "nursery-size":
			n, err := parseSize(val)
			if err != nil {
				return configError("bad nursery-size `" + val + "'")
			}
			if !isPowerOfTwo(n) || n < minNurserySize {
				return configError("nursery-size must be a power of two of at least 64k")
			}
			p.nurserySize = n
		case "stack-mark":
			switch val {
			case "precise":
				p.preciseStackMark = true
			case "conservative":
				p.preciseStackMark = false
			default:
				return configError("unknown stack-mark mode `" + val + "'")
			}
		case "workers":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 || n > maxWorkers {
				return configError("workers must be between 1 and 16")
			}
			p.workers = n
		default:
			return configError("unknown option `" + key + "'")
		}
	}
	return nil
}

func parseDebugFlags(s string, d *debugFlags) error {
	if s == "" {
		return nil
	}
	for _, opt := range strings.Split(s, ",") {
		if opt == "" {
			continue
		}
		key, val, hasVal := strings.Cut(opt, "=")
		switch key {
		case "collect-before-allocs":
			d.collectBeforeAllocs = 1
			if hasVal {
				n, err := strconv.Atoi(val)
				if err != nil || n < 1 {
					return configError("bad collect-before-allocs count `" + val + "'")
				}
				d.collectBeforeAllocs = n
			}
		case "check-at-minor-collections":
			d.checkAtMinor = true
		case "clear-at-gc":
			d.clearAtGC = true
		case "xdomain-checks":
			d.xdomainChecks = true
		case "verify-nursery-at-minor-gc":
			d.verifyNursery = true
		case "dump-nursery-at-minor-gc":
			d.verifyNursery = true
			d.dumpNursery = true
		case "disable-minor":
			d.disableMinor = true
		case "disable-major":
			d.disableMajor = true
		case "heap-dump":
			if !hasVal || val == "" {
				return configError("heap-dump requires a file name")
			}
			d.heapDump = val
		case "print-allowance":
			d.printAllowance = true
		case "print-pinning":
			d.printPinning = true
		default:
			return configError("unknown debug option `" + key + "'")
		}
	}
	return nil
}

func printUsage(err error) {
	print("sgen: ", err.Error(), "\n")
	print("Valid ", paramsEnvVar, " options are:\n")
	print("  major=marksweep|marksweep-par|marksweep-fixed|marksweep-fixed-par|copying\n")
	print("  wbarrier=remset|cardtable\n")
	print("  max-heap-size=N[k|m|g]\n")
	print("  soft-heap-limit=N[k|m|g]\n")
	print("  nursery-size=N (power of two)\n")
	print("  stack-mark=precise|conservative\n")
	print("  workers=1..16\n")
	print("Valid ", debugEnvVar, " options are:\n")
	print("  collect-before-allocs[=N], check-at-minor-collections, clear-at-gc,\n")
	print("  xdomain-checks, verify-nursery-at-minor-gc, dump-nursery-at-minor-gc,\n")
	print("  disable-minor, disable-major, heap-dump=FILE, print-allowance,\n")
	print("  print-pinning\n")
}
