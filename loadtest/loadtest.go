// Command loadtest hammers a running job server with sleep jobs to
// exercise dispatch, the broker and workers under sustained load.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

func main() {
	url := flag.String("url", "http://localhost:8080/jobs", "job creation endpoint")
	total := flag.Int("n", 100, "total jobs to create")
	rate := flag.Int("rate", 5, "jobs per second")
	seconds := flag.Float64("seconds", 0.5, "sleep duration per job")
	flag.Parse()

	payload := fmt.Sprintf(`{"projectId": 1, "method": "sleep", "params": {"seconds": %g}}`, *seconds)

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	var wg sync.WaitGroup
	client := &http.Client{Timeout: 30 * time.Second}

	for i := 1; i <= *total; i++ {
		<-ticker.C
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			resp, err := client.Post(*url, "application/json", bytes.NewBufferString(payload))
			if err != nil {
				fmt.Printf("request %d: %v\n", n, err)
				return
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				fmt.Printf("request %d: reading response: %v\n", n, err)
				return
			}
			fmt.Printf("request %d -> %d %s\n", n, resp.StatusCode, string(body))
		}(i)
	}

	wg.Wait()
	fmt.Println("all requests completed")
}
