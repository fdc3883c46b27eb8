// Command pyclf trains and queries Python classifiers through pybridge.
package main

func main() {
	Execute()
}
