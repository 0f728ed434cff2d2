package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/nyan233/btrstore"
)

func main() {
	if err := os.MkdirAll("testdata", 0755); err != nil {
		log.Fatal(err)
	}
	db, err := btrstore.Open(btrstore.Config{
		Path: filepath.Join("testdata", "quickstart.db"),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key:%03d", i)
		val := fmt.Sprintf("value-%d", i)
		if err := db.Put([]byte(key), []byte(val)); err != nil {
			log.Fatal(err)
		}
	}

	v, found, err := db.Get([]byte("key:005"))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("key:005 -> %q (found=%v)\n", v, found)

	err = db.Range([]byte("key:003"), []byte("key:007"), func(k, v []byte) bool {
		fmt.Printf("%s -> %s\n", k, v)
		return true
	})
	if err != nil {
		log.Fatal(err)
	}

	stats := db.Stats()
	fmt.Printf("pages=%d height=%d\n", stats.PageCount, stats.TreeHeight)
}
