package file

var SyncDir = syncDir
