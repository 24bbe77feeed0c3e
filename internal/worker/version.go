package worker

// Version identifies the worker software in worker events.
const Version = "0.1.0"
