// Package main provides raopd, a RAOP audio receiver daemon.
//
// raopd advertises itself over multicast DNS, accepts one sender at a time
// and records the decoded audio of each session to a WAV file when an
// output directory is configured.
//
//	raopd config init raopd.yaml
//	raopd serve --config raopd.yaml --name "Living Room" --wav-dir ./captures
package main
