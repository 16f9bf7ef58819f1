// Command depcheck enforces this module's package layering: lower layers
// (archio, defs, klog, kstats, klimits, util) may not import anything
// from the cores built on top of them (memframe/pagetable/vmspace/
// trapcore, then proc/vfs/virtio/elfmap/bootinfo/pciscan, then syscalls).
// A violation means a foundational package has grown a dependency on the
// very subsystem it is supposed to be a primitive for.
package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/tools/go/packages"
)

// layer assigns each package its rank; packages absent from this table
// (cmd/* and the module root) are left unchecked.
var layer = map[string]int{
	"archio":  0,
	"defs":    0,
	"klog":    0,
	"kstats":  0,
	"klimits": 0,
	"util":    0,
	"kaccnt":  0,

	"memframe":  1,
	"pagetable": 1,
	"vmspace":   1,
	"trapcore":  1,

	"proc":      2,
	"vfs":       2,
	"virtio":    2,
	"elfmap":    2,
	"bootinfo":  2,
	"pciscan":   2,
	"cpuroster": 2,
	"initramfs": 2,

	"syscalls": 3,
}

func main() {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		fmt.Fprintln(os.Stderr, "depcheck: loading packages:", err)
		os.Exit(1)
	}

	const modulePrefix = "github.com/shard-kernel/shard/"
	violations := 0
	for _, pkg := range pkgs {
		from, ok := shortName(pkg.PkgPath, modulePrefix)
		if !ok {
			continue
		}
		fromLayer, tracked := layer[from]
		if !tracked {
			continue
		}
		for imp := range pkg.Imports {
			to, ok := shortName(imp, modulePrefix)
			if !ok {
				continue
			}
			toLayer, tracked := layer[to]
			if !tracked {
				continue
			}
			if toLayer > fromLayer {
				fmt.Printf("layering violation: %s (layer %d) imports %s (layer %d)\n", from, fromLayer, to, toLayer)
				violations++
			}
		}
	}

	if violations > 0 {
		fmt.Fprintf(os.Stderr, "depcheck: %d layering violation(s)\n", violations)
		os.Exit(1)
	}
	fmt.Println("depcheck: layering OK")
}

func shortName(pkgPath, prefix string) (string, bool) {
	if !strings.HasPrefix(pkgPath, prefix) {
		return "", false
	}
	return strings.TrimPrefix(pkgPath, prefix), true
}
