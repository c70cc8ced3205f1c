package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"bounty-zk/circuits/bugproof"
)

func main() {
	outDir := flag.StringP("out", "o", "keys", "directory for pk.bin, vk.bin and Verifier.sol")
	analyzeOnly := flag.Bool("analyze", false, "compile and report constraints without running setup")
	flag.Parse()

	fmt.Println("=== Bug Proof Circuit Key Generation ===")

	fmt.Println("\n[1/3] Compiling bug proof circuit...")
	startCompile := time.Now()

	ccs, err := bugproof.Compile()
	if err != nil {
		log.Fatal("Compilation failed:", err)
	}

	fmt.Printf("✓ Compilation successful\n")
	fmt.Printf("  Time: %v\n", time.Since(startCompile))
	fmt.Printf("  Constraints: %d\n", ccs.GetNbConstraints())
	fmt.Printf("  Public inputs: %d\n", ccs.GetNbPublicVariables()-1)

	if *analyzeOnly {
		return
	}

	fmt.Println("\n[2/3] Running Groth16 setup...")
	startSetup := time.Now()

	keys, err := bugproof.Setup()
	if err != nil {
		log.Fatal("Setup failed:", err)
	}
	fmt.Printf("✓ Setup complete in %v\n", time.Since(startSetup))

	fmt.Println("\n[3/3] Writing artifacts...")
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal("Cannot create output directory:", err)
	}

	pkPath := filepath.Join(*outDir, "pk.bin")
	vkPath := filepath.Join(*outDir, "vk.bin")
	if err := bugproof.WriteKeys(keys, pkPath, vkPath); err != nil {
		log.Fatal("Writing keys failed:", err)
	}

	sol, err := bugproof.ExportSolidity(keys)
	if err != nil {
		log.Fatal(err)
	}
	solPath := filepath.Join(*outDir, "Verifier.sol")
	if err := os.WriteFile(solPath, sol, 0o644); err != nil {
		log.Fatal("Writing verifier failed:", err)
	}

	circuitID, err := bugproof.CircuitID(keys)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("\n=== Summary ===")
	fmt.Printf("  Proving key:   %s\n", pkPath)
	fmt.Printf("  Verifying key: %s\n", vkPath)
	fmt.Printf("  Verifier:      %s\n", solPath)
	fmt.Printf("  Circuit ID:    %s\n", circuitID)
}
