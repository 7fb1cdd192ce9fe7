// Package bitfield packs and unpacks tagged struct fields into a single
// integer. A simplified version based on
// golang.org/x/text/internal/gen/bitfield, with an Unpack half added so
// internal/vmm gets a genuine round trip when encoding and decoding
// hardware-shaped page-table entries.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines the target integer width for Pack/Unpack.
type Config struct {
	// NumBits bounds the packed representation. 0 means "no limit check."
	NumBits uint
}

// Pack packs every field tagged `bitfield:",N"` into a uint64, field
// order matching declaration order, low bits first.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack expected struct, got %v", v.Kind())
	}

	t := v.Type()
	var bitOffset uint
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok := fieldBits(field)
		if !ok || bits == 0 {
			continue
		}

		fieldValue := v.Field(i)
		var bitsVal uint64
		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				bitsVal = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			bitsVal = fieldValue.Uint()
		default:
			return 0, fmt.Errorf("bitfield: Pack unsupported field type %v for %s", fieldValue.Kind(), field.Name)
		}

		maxValue := uint64(1)<<bits - 1
		if bitsVal > maxValue {
			return 0, fmt.Errorf("bitfield: Pack value %d exceeds %d bits for %s", bitsVal, bits, field.Name)
		}
		packed |= bitsVal << bitOffset
		bitOffset += bits
	}
	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield: Pack total bits %d exceeds NumBits %d", bitOffset, c.NumBits)
	}
	return packed, nil
}

// Unpack is Pack's inverse: it fills the tagged fields of dst (a pointer
// to a struct) from packed, in the same declaration-order/low-bits-first
// scheme Pack used.
func Unpack(packed uint64, dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack expected pointer to struct")
	}
	v = v.Elem()
	t := v.Type()

	var bitOffset uint
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok := fieldBits(field)
		if !ok || bits == 0 {
			continue
		}
		mask := uint64(1)<<bits - 1
		raw := (packed >> bitOffset) & mask
		bitOffset += bits

		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(raw != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fv.SetUint(raw)
		default:
			return fmt.Errorf("bitfield: Unpack unsupported field type %v for %s", fv.Kind(), field.Name)
		}
	}
	return nil
}

func fieldBits(field reflect.StructField) (uint, bool) {
	tag := field.Tag.Get("bitfield")
	if tag == "" {
		return 0, false
	}
	var bits uint
	if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
		return 0, false
	}
	return bits, true
}
