package tensor

// ConvOutputSize returns the spatial output size of a convolution or pooling
// window over an input of the given size.
func ConvOutputSize(size, kernel, stride, padding int) int {
	return (size+2*padding-kernel)/stride + 1
}

// Im2Col unrolls one CHW image into a (c*kh*kw) x (outH*outW) matrix so a
// convolution becomes a single matrix product. Padding reads as zero.
func Im2Col(src []float32, c, h, w, kh, kw, stride, padding int, dst []float32) {
	outH := ConvOutputSize(h, kh, stride, padding)
	outW := ConvOutputSize(w, kw, stride, padding)
	cols := outH * outW

	for ch := 0; ch < c; ch++ {
		plane := src[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				row := dst[((ch*kh+ky)*kw+kx)*cols : ((ch*kh+ky)*kw+kx+1)*cols]
				for oy := 0; oy < outH; oy++ {
					iy := oy*stride - padding + ky
					out := row[oy*outW : (oy+1)*outW]
					if iy < 0 || iy >= h {
						for i := range out {
							out[i] = 0
						}
						continue
					}
					line := plane[iy*w : (iy+1)*w]
					for ox := range out {
						ix := ox*stride - padding + kx
						if ix < 0 || ix >= w {
							out[ox] = 0
						} else {
							out[ox] = line[ix]
						}
					}
				}
			}
		}
	}
}

// Col2Im is the adjoint of Im2Col: it scatters a column matrix back into a
// CHW image, accumulating overlapping windows into dst.
func Col2Im(cols []float32, c, h, w, kh, kw, stride, padding int, dst []float32) {
	outH := ConvOutputSize(h, kh, stride, padding)
	outW := ConvOutputSize(w, kw, stride, padding)
	n := outH * outW

	for ch := 0; ch < c; ch++ {
		plane := dst[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				row := cols[((ch*kh+ky)*kw+kx)*n : ((ch*kh+ky)*kw+kx+1)*n]
				for oy := 0; oy < outH; oy++ {
					iy := oy*stride - padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					line := plane[iy*w : (iy+1)*w]
					in := row[oy*outW : (oy+1)*outW]
					for ox, v := range in {
						ix := ox*stride - padding + kx
						if ix >= 0 && ix < w {
							line[ix] += v
						}
					}
				}
			}
		}
	}
}
