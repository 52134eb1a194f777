package bdev

import "fmt"
import "sync"

import "github.com/kestrelos/kestrel/defs"

const SECTSIZE int = defs.SECTSIZE
const BSIZE int = defs.BLOCKSECTS * defs.SECTSIZE

// a block device: 512-byte sectors addressed by lba within a namespace
type Disk_i interface {
	Read_blocks(ns int, lba uint64, count int, buf []uint8) defs.Err_t
	Write_blocks(ns int, lba uint64, count int, data []uint8) defs.Err_t
}

// memory-backed disk. Fail_next makes the next n transfers return EIO,
// which the write-back retry tests use.
type Memdisk_t struct {
	sync.Mutex
	sects  map[uint64][]uint8
	failn  int
	reads  int
	writes int
}

func Mkmemdisk() *Memdisk_t {
	return &Memdisk_t{sects: make(map[uint64][]uint8)}
}

func (md *Memdisk_t) Fail_next(n int) {
	md.Lock()
	md.failn = n
	md.Unlock()
}

func (md *Memdisk_t) Counts() (int, int) {
	md.Lock()
	defer md.Unlock()
	return md.reads, md.writes
}

func (md *Memdisk_t) fail() bool {
	if md.failn > 0 {
		md.failn--
		return true
	}
	return false
}

func (md *Memdisk_t) Read_blocks(ns int, lba uint64, count int,
	buf []uint8) defs.Err_t {
	if count <= 0 || len(buf) < count*SECTSIZE {
		return -defs.EINVAL
	}
	md.Lock()
	defer md.Unlock()
	if md.fail() {
		return -defs.EIO
	}
	md.reads++
	for i := 0; i < count; i++ {
		dst := buf[i*SECTSIZE : (i+1)*SECTSIZE]
		if s, ok := md.sects[lba+uint64(i)]; ok {
			copy(dst, s)
		} else {
			for j := range dst {
				dst[j] = 0
			}
		}
	}
	return 0
}

func (md *Memdisk_t) Write_blocks(ns int, lba uint64, count int,
	data []uint8) defs.Err_t {
	if count <= 0 || len(data) < count*SECTSIZE {
		return -defs.EINVAL
	}
	md.Lock()
	defer md.Unlock()
	if md.fail() {
		return -defs.EIO
	}
	md.writes++
	for i := 0; i < count; i++ {
		s := make([]uint8, SECTSIZE)
		copy(s, data[i*SECTSIZE:(i+1)*SECTSIZE])
		md.sects[lba+uint64(i)] = s
	}
	return 0
}

func (md *Memdisk_t) Stats() string {
	md.Lock()
	defer md.Unlock()
	return fmt.Sprintf("disk: %v reads %v writes %v sectors\n", md.reads,
		md.writes, len(md.sects))
}
