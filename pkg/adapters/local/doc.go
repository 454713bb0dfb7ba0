/*
Package local runs protocols in-process, without a network backend.

A Runtime (the gopher-lua sandbox or an external process) writes a
line-oriented event stream in which every line is a tagged JSON object:

	{"tag":"stdout","data":"aspirating A1"}
	{"tag":"audit","data":{"callId":"...","sequence":1,"methodName":"aspirate",...}}
	{"tag":"result","data":{"yield":0.93}}

The Bridge maps each tag onto the protocol vocabulary, so the coordinator
applies local messages exactly like remote ones. Channel ties a Runtime and the
Bridge together behind ports.Channel.
*/
package local
