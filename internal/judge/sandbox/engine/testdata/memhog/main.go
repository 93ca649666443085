// Command memhog touches the given number of megabytes and then holds them.
//
//	memhog <mb> <hold>
package main

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

func main() {
	if len(os.Args) != 3 {
		os.Exit(2)
	}
	mb, err := strconv.Atoi(os.Args[1])
	if err != nil {
		os.Exit(2)
	}
	hold, err := time.ParseDuration(os.Args[2])
	if err != nil {
		os.Exit(2)
	}
	buf := make([]byte, mb<<20)
	for i := 0; i < len(buf); i += 4096 {
		buf[i] = 1
	}
	time.Sleep(hold)
	runtime.KeepAlive(buf)
}
