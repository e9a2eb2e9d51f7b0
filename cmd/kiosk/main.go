package main

import "github.com/eleven-am/face-kiosk/internal/bootstrap"

func main() {
	bootstrap.Run()
}
