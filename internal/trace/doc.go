// Package trace turns raw ftrace text lines into classified lines.
//
// An event line looks like this on kernels that print the irq-info
// column (offset 1):
//
//	cat-26840 [000] d... 8523.129626: getnameprobe: (do_sys_open+0xc3/0x220 <- getname) arg1="/etc/ld.so.cache"
//	cat-26840 [000] .... 8523.129640: sys_open -> 0x3
//
// and without it on older kernels (offset 0). Fields are numbered from 1,
// field 1 being the task-pid token; the offset is added to every fixed
// field position. The header line that precedes the events tells the two
// layouts apart:
//
//	#           TASK-PID    CPU#    TIMESTAMP  FUNCTION
//	#           TASK-PID   CPU#  ||||    TIMESTAMP  FUNCTION
package trace
