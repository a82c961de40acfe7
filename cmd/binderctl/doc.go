// Command binderctl talks to a running binderd.
//
//	binderctl list
//	binderctl check media.player
//	binderctl ping media.player
//	binderctl dump media.player --all
//	binderctl stats -o json
package main
