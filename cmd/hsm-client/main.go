package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/verifiable-state-chains/hsmcore/client"
	"github.com/verifiable-state-chains/hsmcore/hsm_server"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]

	flagSet := flag.NewFlagSet(command, flag.ExitOnError)
	serverURL := flagSet.String("server", "http://localhost:9090", "HSM server URL")
	clientID := flagSet.String("client-id", "hsm-client", "Client id")
	clientSecret := flagSet.String("client-secret", os.Getenv("HSM_CLIENT_SECRET"), "Client secret (default $HSM_CLIENT_SECRET)")
	size := flagSet.Int("size", 32, "Number of random bytes (for random command)")
	keyID := flagSet.Int("key-id", -1, "Stored key id")
	keyHex := flagSet.String("key", "", "Hex key (import, or external key for encrypt/decrypt)")
	nonceHex := flagSet.String("nonce", "", "Hex nonce (12 bytes)")
	message := flagSet.String("msg", "", "Plaintext message (for encrypt command)")
	aadText := flagSet.String("aad", "", "Associated data")
	ctHex := flagSet.String("ciphertext", "", "Hex ciphertext (for decrypt command)")
	tagHex := flagSet.String("tag", "", "Hex tag (for decrypt command)")

	flagSet.Parse(os.Args[2:])

	if command == "help" || command == "--help" || command == "-h" {
		printHelp()
		return
	}
	if command == "hash-secret" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*clientSecret), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash secret: %v", err)
		}
		fmt.Println(string(hash))
		return
	}

	ctx := context.Background()
	hsm := client.NewHSMClient(*serverURL)
	if _, err := hsm.Login(ctx, *clientID, *clientSecret); err != nil {
		log.Fatalf("Failed to login: %v", err)
	}

	switch command {
	case "random":
		data, err := hsm.Random(ctx, *size)
		if err != nil {
			log.Fatalf("Failed to get random bytes: %v", err)
		}
		fmt.Println(hex.EncodeToString(data))

	case "import":
		id, err := storedKeyID(*keyID)
		if err != nil {
			log.Fatalf("Invalid key-id for import command: %v", err)
		}
		key := mustHex("key", *keyHex)
		if err := hsm.ImportKey(ctx, id, key); err != nil {
			log.Fatalf("Failed to import key: %v", err)
		}
		fmt.Printf("Imported key %d (%d bytes)\n", *keyID, len(key))

	case "encrypt":
		req := hsm_server.EncryptRequest{
			Nonce:     mustHex("nonce", *nonceHex),
			Plaintext: []byte(*message),
			AAD:       []byte(*aadText),
		}
		req.KeyID, req.Key = keyRef(*keyID, *keyHex)
		ciphertext, tag, err := hsm.Encrypt(ctx, req)
		if err != nil {
			log.Fatalf("Failed to encrypt: %v", err)
		}
		fmt.Printf("Ciphertext: %s\n", hex.EncodeToString(ciphertext))
		fmt.Printf("Tag:        %s\n", hex.EncodeToString(tag))

	case "decrypt":
		req := hsm_server.DecryptRequest{
			Nonce:      mustHex("nonce", *nonceHex),
			Ciphertext: mustHex("ciphertext", *ctHex),
			AAD:        []byte(*aadText),
			Tag:        mustHex("tag", *tagHex),
		}
		req.KeyID, req.Key = keyRef(*keyID, *keyHex)
		plaintext, err := hsm.Decrypt(ctx, req)
		if err != nil {
			log.Fatalf("Failed to decrypt: %v", err)
		}
		fmt.Println(string(plaintext))

	case "list":
		keys, err := hsm.ListKeys(ctx)
		if err != nil {
			log.Fatalf("Failed to list keys: %v", err)
		}
		if len(keys) == 0 {
			fmt.Println("No keys found.")
			return
		}
		fmt.Printf("Stored keys (%d):\n", len(keys))
		for _, id := range keys {
			fmt.Printf("  %d\n", id)
		}

	case "delete":
		id, err := storedKeyID(*keyID)
		if err != nil {
			log.Fatalf("Invalid key-id for delete command: %v", err)
		}
		if err := hsm.DeleteKey(ctx, id); err != nil {
			log.Fatalf("Failed to delete key: %v", err)
		}
		fmt.Printf("Deleted key %d\n", *keyID)

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printHelp()
		os.Exit(1)
	}
}

// keyRef selects a stored key when id is set, otherwise the hex key
func keyRef(id int, keyHex string) (*uint32, []byte) {
	if id >= 0 {
		v, err := storedKeyID(id)
		if err != nil {
			log.Fatalf("Invalid key-id: %v", err)
		}
		return &v, nil
	}
	if keyHex == "" {
		log.Fatal("key-id or key is required")
	}
	return nil, mustHex("key", keyHex)
}

// storedKeyID converts the -key-id flag, rejecting unset and out of range values
func storedKeyID(v int) (uint32, error) {
	if v < 0 {
		return 0, fmt.Errorf("key-id is required")
	}
	if int64(v) > math.MaxUint32 {
		return 0, fmt.Errorf("key-id %d exceeds %d", v, uint32(math.MaxUint32))
	}
	return uint32(v), nil
}

func mustHex(name, value string) []byte {
	b, err := hex.DecodeString(value)
	if err != nil {
		log.Fatalf("Invalid hex for %s: %v", name, err)
	}
	return b
}

func printHelp() {
	fmt.Println("HSM Client - Talk to the HSM gateway")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ./hsm-client <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  help              Show this help message")
	fmt.Println("  random            Generate random bytes")
	fmt.Println("  import            Import a key under key-id")
	fmt.Println("  encrypt           Encrypt a message with ChaCha20-Poly1305")
	fmt.Println("  decrypt           Decrypt a ciphertext with ChaCha20-Poly1305")
	fmt.Println("  list              List stored key ids")
	fmt.Println("  delete            Delete a stored key")
	fmt.Println("  hash-secret       Print the bcrypt hash of -client-secret")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  ./hsm-client random -size 16")
	fmt.Println("  ./hsm-client import -key-id 1 -key $(./hsm-client random -size 32)")
	fmt.Println("  ./hsm-client encrypt -key-id 1 -nonce 000000000000000000000000 -msg 'hello world'")
	fmt.Println("  ./hsm-client decrypt -key-id 1 -nonce 000000000000000000000000 -ciphertext <hex> -tag <hex>")
}
